// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordRequest(t *testing.T) {
	m := New()
	m.RecordRequest("/askai", 200, 120*time.Millisecond)
	m.RecordRequest("/askai", 200, 80*time.Millisecond)
	m.RecordRequest("/askai", 429, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/askai", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("/askai", "429")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.requestDuration))
}

func TestRecordRejectionAndUpstream(t *testing.T) {
	m := New()
	m.RecordRejection(ReasonAuth)
	m.RecordRejection(ReasonAuth)
	m.RecordRejection(ReasonRateLimit)
	m.RecordUpstream("gemini", "success", time.Second)
	m.RecordUpstream("gemini", "quota", 200*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.admissionRejections.WithLabelValues(ReasonAuth)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.admissionRejections.WithLabelValues(ReasonRateLimit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamRequests.WithLabelValues("gemini", "quota")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRequest("/", 200, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `advad_requests_total{route="/",status="200"} 1`))
	assert.Contains(t, string(body), "go_goroutines")
}

func TestNew_Independent(t *testing.T) {
	// Separate instances must not collide on registration.
	a, b := New(), New()
	a.RecordRejection(ReasonValidation)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.admissionRejections.WithLabelValues(ReasonValidation)))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("/", 200, time.Millisecond)
		m.RecordRejection(ReasonAuth)
		m.RecordUpstream("gemini", "success", time.Millisecond)
	})
}
