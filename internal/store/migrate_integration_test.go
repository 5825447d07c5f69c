// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

//go:build integration

package store_test

import (
	"strings"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/campuslink/campuslink/internal/store"
	"github.com/campuslink/campuslink/pkg/protocol"
)

var _ = Describe("Migrator and PostgresMessageStore", Ordered, func() {
	var migrator *store.Migrator

	BeforeAll(func() {
		var err error
		migrator, err = store.NewMigrator(databaseURL)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(migrator.Close()).To(Succeed()) })
	})

	It("starts empty and applies every migration", func() {
		status, err := migrator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Version).To(BeZero())
		Expect(status.Pending).NotTo(BeEmpty())

		Expect(migrator.Up()).To(Succeed())

		status, err = migrator.Status()
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Pending).To(BeEmpty())
		Expect(status.Dirty).To(BeFalse())
	})

	It("inserts group messages with database assigned ids", func(ctx SpecContext) {
		pool, err := store.OpenPool(ctx, databaseURL)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(pool.Close)

		s := store.NewPostgresMessageStore(pool)
		Expect(s.Ping(ctx)).To(Succeed())

		first, err := s.InsertGroupMessage(ctx, protocol.GroupMessageDraft{
			GroupID: "cs101", Text: "office hours moved", SenderID: "u1", SenderName: "Ada",
		})
		Expect(err).NotTo(HaveOccurred())
		second, err := s.InsertGroupMessage(ctx, protocol.GroupMessageDraft{
			GroupID: "cs101", Text: "thanks", SenderID: "u2",
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(first.ID).NotTo(BeEmpty())
		Expect(second.ID).NotTo(Equal(first.ID))
		Expect(first.CreatedAt).NotTo(BeZero())
		Expect(second.SenderName).To(BeEmpty())
	})

	It("rejects blank text at the schema level", func(ctx SpecContext) {
		pool, err := store.OpenPool(ctx, databaseURL)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(pool.Close)

		_, err = store.NewPostgresMessageStore(pool).InsertGroupMessage(ctx, protocol.GroupMessageDraft{
			GroupID: "cs101", Text: strings.Repeat(" ", 3), SenderID: "u1",
		})
		Expect(err).To(HaveOccurred())
	})

	It("rolls back and forward one step", func() {
		status, err := migrator.Status()
		Expect(err).NotTo(HaveOccurred())
		latest := status.Version

		Expect(migrator.Steps(-1)).To(Succeed())
		version, _, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(latest - 1))

		Expect(migrator.Steps(1)).To(Succeed())
		version, _, err = migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(Equal(latest))
	})

	It("rolls everything back with Down", func() {
		Expect(migrator.Down()).To(Succeed())
		version, dirty, err := migrator.Version()
		Expect(err).NotTo(HaveOccurred())
		Expect(version).To(BeZero())
		Expect(dirty).To(BeFalse())
	})
})
