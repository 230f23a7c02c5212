package taskscan

import "errors"

// ErrIncomplete marks a candidate whose struct straddled a page
// boundary and a subpage beyond pid/comm could not be translated.
var ErrIncomplete = errors.New("taskscan: candidate struct incomplete")
