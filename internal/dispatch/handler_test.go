// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CampusLink Contributors

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/campuslink/campuslink/internal/core"
	"github.com/campuslink/campuslink/internal/observability"
	"github.com/campuslink/campuslink/pkg/protocol"
)

type mockDeliverer struct {
	mock.Mock
}

func (m *mockDeliverer) DeliverToUser(ctx context.Context, userID, event string, data json.RawMessage) (core.DeliveryResult, error) {
	args := m.Called(ctx, userID, event, data)
	return args.Get(0).(core.DeliveryResult), args.Error(1)
}

func newTestHandler(d Deliverer, opts ...HandlerOption) (*Handler, *observability.Metrics) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	opts = append([]HandlerOption{
		WithHandlerLogger(slog.New(slog.DiscardHandler)),
		WithHandlerMetrics(metrics),
	}, opts...)
	return NewHandler(d, opts...), metrics
}

func post(h http.Handler, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, Path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_DeliversNotification(t *testing.T) {
	d := &mockDeliverer{}
	notification := json.RawMessage(`{"_id":"n1","type":"like","postId":"p1"}`)
	d.On("DeliverToUser", mock.Anything, "u1", protocol.EventReceiveNotification, notification).
		Return(core.DeliveredLocal, nil).Once()

	h, metrics := newTestHandler(d)
	rec := post(h, `{"recipientId":"u1","notification":{"_id":"n1","type":"like","postId":"p1"}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Notification dispatched", rec.Body.String())
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("local")), 0)
	d.AssertExpectations(t)
}

func TestHandler_OfflineRecipientStillAcknowledged(t *testing.T) {
	d := &mockDeliverer{}
	d.On("DeliverToUser", mock.Anything, "u2", protocol.EventReceiveNotification, mock.Anything).
		Return(core.DeliveryOffline, nil).Once()

	h, metrics := newTestHandler(d)
	rec := post(h, `{"recipientId":"u2","notification":{"_id":"n2"}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("offline")), 0)
	d.AssertExpectations(t)
}

func TestHandler_DeliveryErrorStillAcknowledged(t *testing.T) {
	d := &mockDeliverer{}
	d.On("DeliverToUser", mock.Anything, "u3", protocol.EventReceiveNotification, mock.Anything).
		Return(core.DeliveryDropped, errors.New("boom")).Once()

	h, metrics := newTestHandler(d)
	rec := post(h, `{"recipientId":"u3","notification":{}}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("error")), 0)
}

func TestHandler_AcknowledgesEveryDeliveryResult(t *testing.T) {
	for _, result := range []core.DeliveryResult{
		core.DeliveredLocal, core.DeliveryForwarded, core.DeliveryDropped, core.DeliveryOffline,
	} {
		t.Run(string(result), func(t *testing.T) {
			d := &mockDeliverer{}
			d.On("DeliverToUser", mock.Anything, "u1", protocol.EventReceiveNotification, mock.Anything).
				Return(result, nil).Once()

			h, metrics := newTestHandler(d)
			rec := post(h, `{"recipientId":"u1","notification":{"type":"comment"}}`, nil)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "Notification dispatched", rec.Body.String())
			assert.InDelta(t, 1, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues(string(result))), 0)
			d.AssertExpectations(t)
		})
	}
}

func TestHandler_RejectsMalformedRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `recipientId=u1`},
		{"empty body", ``},
		{"missing recipient", `{"notification":{}}`},
		{"blank recipient", `{"recipientId":"  ","notification":{}}`},
		{"recipient wrong type", `{"recipientId":42,"notification":{}}`},
		{"missing notification", `{"recipientId":"u1"}`},
		{"notification not object", `{"recipientId":"u1","notification":"hello"}`},
		{"null notification", `{"recipientId":"u1","notification":null}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDeliverer{}
			h, _ := newTestHandler(d)

			rec := post(h, tt.body, nil)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			d.AssertNotCalled(t, "DeliverToUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestHandler_RejectsOtherMethods(t *testing.T) {
	h, metrics := newTestHandler(&mockDeliverer{})

	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, Path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
		assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
	}
	assert.InDelta(t, 3, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("rejected")), 0)
}

func TestHandler_Token(t *testing.T) {
	d := &mockDeliverer{}
	d.On("DeliverToUser", mock.Anything, "u1", protocol.EventReceiveNotification, mock.Anything).
		Return(core.DeliveredLocal, nil).Once()
	h, metrics := newTestHandler(d, WithToken("s3cret"))
	body := `{"recipientId":"u1","notification":{}}`

	rec := post(h, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(h, body, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(h, body, http.Header{"Authorization": {"s3cret"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(h, body, http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.InDelta(t, 3, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("unauthorized")), 0)
	d.AssertExpectations(t)
}

func TestHandler_Register(t *testing.T) {
	d := &mockDeliverer{}
	d.On("DeliverToUser", mock.Anything, "u1", protocol.EventReceiveNotification, mock.Anything).
		Return(core.DeliveredLocal, nil).Once()
	h, _ := newTestHandler(d)

	mux := http.NewServeMux()
	h.Register(mux)
	rec := post(mux, `{"recipientId":"u1","notification":{}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_WithRelay(t *testing.T) {
	relay := core.NewRelay(core.NewRegistry(), core.NewRooms(), core.WithLogger(slog.New(slog.DiscardHandler)))
	sink := &captureSink{id: core.NewConnID()}
	relay.Attach(sink)
	relay.Announce(context.Background(), sink.id, "u1")

	h, _ := newTestHandler(relay)
	rec := post(h, `{"recipientId":"u1","notification":{"_id":"n1"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, sink.frames, 1)
	frame, err := protocol.Decode(sink.frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.EventReceiveNotification, frame.Event)
	assert.JSONEq(t, `{"_id":"n1"}`, string(frame.Data))

	rec = post(h, `{"recipientId":"nobody","notification":{"_id":"n2"}}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, sink.frames, 1)
}
