// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package protocol

import "errors"

// ErrMissingEvent is returned by Decode for frames with an empty event name.
var ErrMissingEvent = errors.New("frame has no event name")
