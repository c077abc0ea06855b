package dedup

import "errors"

var ErrDisabled = errors.New("dedup: cache disabled")
