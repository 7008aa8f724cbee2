package retrieval

import "errors"

// ErrDisabled is returned by write paths when no embedder or index is configured.
var ErrDisabled = errors.New("retrieval backend not configured")
