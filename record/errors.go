package record

import "errors"

// ErrCounterResidue reports that instructions retired between a counter
// reset and the following signal-delivery step. The instruction count is
// the replay cursor; once it has drifted the recording is unusable.
var ErrCounterResidue = errors.New("instruction counter not clean at signal delivery")
