// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

//go:build integration

package relay_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
)

func TestRelayIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Multi-instance Relay Suite")
}
