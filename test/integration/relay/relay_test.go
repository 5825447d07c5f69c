// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

//go:build integration

package relay_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/campuslink/campuslink/internal/backplane"
	"github.com/campuslink/campuslink/internal/core"
	"github.com/campuslink/campuslink/internal/dispatch"
	"github.com/campuslink/campuslink/internal/ws"
	"github.com/campuslink/campuslink/pkg/protocol"
	"github.com/campuslink/campuslink/pkg/sessionclient"
)

var discard = slog.New(slog.DiscardHandler)

// instance is one relay process: relay core, websocket handler and bridge
// behind a test HTTP server.
type instance struct {
	relay   *core.Relay
	handler *ws.Handler
	srv     *httptest.Server
}

func startInstance(ctx context.Context, name string, bus core.Backplane, store core.MessageStore) *instance {
	relay := core.NewRelay(core.NewRegistry(), core.NewRooms(),
		core.WithInstanceID(name),
		core.WithBackplane(bus),
		core.WithStore(store),
		core.WithLogger(discard),
	)
	handler, err := ws.NewHandler(relay, ws.Config{AllowedOrigins: []string{"*"}}, ws.WithLogger(discard))
	Expect(err).NotTo(HaveOccurred())

	mux := http.NewServeMux()
	mux.Handle("/socket", handler)
	dispatch.NewHandler(relay, dispatch.WithHandlerLogger(discard)).Register(mux)
	srv := httptest.NewServer(mux)

	go func() {
		defer GinkgoRecover()
		relay.Run(ctx)
	}()
	return &instance{relay: relay, handler: handler, srv: srv}
}

func (i *instance) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(i.handler.Shutdown(ctx)).To(Succeed())
	i.srv.Close()
}

func (i *instance) wsURL() string {
	return "ws" + strings.TrimPrefix(i.srv.URL, "http") + "/socket"
}

// inbox collects frames for one event on one client.
type inbox struct {
	mu     sync.Mutex
	frames []json.RawMessage
}

func (b *inbox) handle(data json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, data)
}

func (b *inbox) all() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.frames))
	for i, f := range b.frames {
		out[i] = string(f)
	}
	return out
}

var _ = Describe("Relays sharing a backplane", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		bus    *backplane.Memory
		store  *core.MemoryMessageStore
		a, b   *instance
	)

	connect := func(in *instance, userID string, setup func(*sessionclient.Client)) *sessionclient.Client {
		c := sessionclient.New(in.wsURL(), userID,
			sessionclient.WithLogger(discard),
			sessionclient.WithReconnect(10*time.Millisecond, 100*time.Millisecond))
		if setup != nil {
			setup(c)
		}
		go func() {
			defer GinkgoRecover()
			Expect(c.Run(ctx)).To(Succeed())
		}()
		waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
		defer waitCancel()
		Expect(c.WaitConnected(waitCtx)).To(Succeed())
		return c
	}

	registeredOn := func(in *instance, userID string) func() bool {
		return func() bool {
			_, ok := in.relay.Registry().Resolve(userID)
			return ok
		}
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		bus = backplane.NewMemory()
		store = core.NewMemoryMessageStore()
		a = startInstance(ctx, "relay-a", bus, store)
		b = startInstance(ctx, "relay-b", bus, store)
		Eventually(bus.Subscribers).Should(Equal(2))
	})

	AfterEach(func() {
		cancel()
		a.stop()
		b.stop()
		Expect(bus.Close()).To(Succeed())
	})

	Describe("notification bridge", func() {
		It("reaches a user connected to the other instance", func() {
			notifications := &inbox{}
			connect(b, "u1", func(c *sessionclient.Client) {
				c.Subscribe(protocol.EventReceiveNotification, notifications.handle)
			})
			Eventually(registeredOn(b, "u1")).Should(BeTrue())

			client := dispatch.NewClient(a.srv.URL)
			Expect(client.Dispatch(ctx, dispatch.Notification{
				ID: "n1", UserID: "u1", Type: "like", ActorID: "u2", PostID: "p1",
			})).To(Succeed())

			Eventually(notifications.all).Should(HaveLen(1))
			Expect(notifications.all()[0]).To(ContainSubstring(`"_id":"n1"`))
		})

		It("follows the newest connection across instances", func() {
			onA, onB := &inbox{}, &inbox{}
			connect(a, "u1", func(c *sessionclient.Client) {
				c.Subscribe(protocol.EventReceiveNotification, onA.handle)
			})
			Eventually(registeredOn(a, "u1")).Should(BeTrue())

			connect(b, "u1", func(c *sessionclient.Client) {
				c.Subscribe(protocol.EventReceiveNotification, onB.handle)
			})
			Eventually(registeredOn(b, "u1")).Should(BeTrue())
			Eventually(registeredOn(a, "u1")).Should(BeFalse(), "peer claim supersedes the older mapping")

			Expect(dispatch.NewClient(a.srv.URL).DispatchRaw(ctx, "u1", json.RawMessage(`{"_id":"n2"}`))).To(Succeed())

			Eventually(onB.all).Should(HaveLen(1))
			Consistently(onA.all, 200*time.Millisecond).Should(BeEmpty())
		})
	})

	Describe("group chat", func() {
		It("persists once and delivers to members on both instances except the sender", func() {
			senderInbox, peerInbox := &inbox{}, &inbox{}
			sender := connect(a, "alice", func(c *sessionclient.Client) {
				Expect(c.JoinGroupChat("g1")).To(Succeed())
				c.Subscribe(protocol.EventReceiveGroupMessage, senderInbox.handle)
			})
			connect(b, "bob", func(c *sessionclient.Client) {
				Expect(c.JoinGroupChat("g1")).To(Succeed())
				c.Subscribe(protocol.EventReceiveGroupMessage, peerInbox.handle)
			})
			Eventually(func() int { return len(a.relay.Rooms().Members(core.GroupRoom("g1"))) }).Should(Equal(1))
			Eventually(func() int { return len(b.relay.Rooms().Members(core.GroupRoom("g1"))) }).Should(Equal(1))

			Expect(sender.Publish(protocol.EventSendGroupMessage, protocol.GroupMessageDraft{
				GroupID: "g1", Text: "study at six?", SenderID: "alice", SenderName: "Alice",
			})).To(Succeed())

			Eventually(peerInbox.all).Should(HaveLen(1))
			var msg protocol.GroupMessage
			Expect(json.Unmarshal([]byte(peerInbox.all()[0]), &msg)).To(Succeed())
			Expect(msg.ID).NotTo(BeEmpty())
			Expect(msg.Text).To(Equal("study at six?"))
			Expect(store.GroupMessages("g1")).To(HaveLen(1))
			Consistently(senderInbox.all, 200*time.Millisecond).Should(BeEmpty())
		})
	})

	Describe("global chat and posts", func() {
		It("delivers global chat to every member including the sender", func() {
			onA, onB := &inbox{}, &inbox{}
			sender := connect(a, "alice", func(c *sessionclient.Client) {
				Expect(c.JoinGlobalChat()).To(Succeed())
				c.Subscribe(protocol.EventReceiveGlobalMessage, onA.handle)
			})
			connect(b, "bob", func(c *sessionclient.Client) {
				Expect(c.JoinGlobalChat()).To(Succeed())
				c.Subscribe(protocol.EventReceiveGlobalMessage, onB.handle)
			})
			Eventually(func() int { return len(b.relay.Rooms().Members(core.GlobalRoom)) }).Should(Equal(1))
			Eventually(func() int { return len(a.relay.Rooms().Members(core.GlobalRoom)) }).Should(Equal(1))

			Expect(sender.Publish(protocol.EventSendGlobalMessage, map[string]string{"text": "hello campus"})).To(Succeed())

			Eventually(onA.all).Should(HaveLen(1))
			Eventually(onB.all).Should(HaveLen(1))
		})

		It("broadcasts new posts to every connection", func() {
			inboxes := []*inbox{{}, {}, {}}
			author := connect(a, "u0", func(c *sessionclient.Client) {
				c.Subscribe(protocol.EventReceiveNewPost, inboxes[0].handle)
			})
			connect(a, "u1", func(c *sessionclient.Client) {
				c.Subscribe(protocol.EventReceiveNewPost, inboxes[1].handle)
			})
			connect(b, "u2", func(c *sessionclient.Client) {
				c.Subscribe(protocol.EventReceiveNewPost, inboxes[2].handle)
			})
			Eventually(b.relay.Connections).Should(Equal(1))
			Eventually(a.relay.Connections).Should(Equal(2))

			Expect(author.Publish(protocol.EventSendNewPost, map[string]string{"_id": "p1", "content": "exam moved"})).To(Succeed())

			for _, in := range inboxes {
				Eventually(in.all).Should(HaveLen(1))
			}
		})
	})
})
