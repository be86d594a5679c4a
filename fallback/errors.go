package fallback

import "errors"

var (
	errInvalidOverride  = errors.New("fallback: admin override only permitted into rq_only mode")
	errRedisUnavailable = errors.New("fallback: cannot force rq_only while redis is unreachable")
)
