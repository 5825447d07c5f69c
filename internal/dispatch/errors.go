// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package dispatch

import "github.com/samber/oops"

// Error codes for the dispatch bridge.
const (
	CodeInvalidRequest = "INVALID_DISPATCH_REQUEST"
	CodeDispatchFailed = "DISPATCH_FAILED"
)

func errInvalidRequest(reason string) error {
	return oops.Code(CodeInvalidRequest).With("reason", reason).Errorf("%s", reason)
}
