package rotation_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/adwatch/internal/domain"
	"github.com/jonesrussell/adwatch/internal/logger"
	"github.com/jonesrussell/adwatch/internal/rotation"
)

// proxyCreds builds credentials whose proxy host points at the given
// test server.
func proxyCreds(t *testing.T, proxySrv *httptest.Server, changeURL string) *domain.ProxyCredentials {
	t.Helper()
	u, err := url.Parse(proxySrv.URL)
	require.NoError(t, err)
	return &domain.ProxyCredentials{
		ProxyString: "user:pass@" + u.Host,
		ChangeIPURL: changeURL,
	}
}

func TestIPRotatorSuccess(t *testing.T) {
	var changeCalls, proxyCalls atomic.Int32

	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxyCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer proxySrv.Close()

	changeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		changeCalls.Add(1)
		assert.Contains(t, r.URL.RawQuery, "format=json")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"new_ip":"10.1.2.3"}`))
	}))
	defer changeSrv.Close()

	cfg := testConfig()
	rot := rotation.NewIPRotator(cfg, logger.NewNoOp())

	err := rot.Rotate(context.Background(), proxyCreds(t, proxySrv, changeSrv.URL+"/change"))
	require.NoError(t, err)
	assert.Equal(t, int32(1), changeCalls.Load())
	assert.Equal(t, int32(1), proxyCalls.Load())
}

func TestIPRotatorChangeOKButProxyDeadFails(t *testing.T) {
	// Probe hits a proxy that refuses everything: "IP changed" alone is
	// not success.
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer proxySrv.Close()

	changeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"new_ip":"10.1.2.3"}`))
	}))
	defer changeSrv.Close()

	cfg := testConfig()
	cfg.RetryDelay = time.Millisecond
	rot := rotation.NewIPRotator(cfg, logger.NewNoOp())

	err := rot.Rotate(context.Background(), proxyCreds(t, proxySrv, changeSrv.URL))
	assert.Error(t, err)
}

func TestIPRotatorChangeEndpointErrorRetries(t *testing.T) {
	var changeCalls atomic.Int32

	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer proxySrv.Close()

	changeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if changeCalls.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"new_ip":"10.9.9.9"}`))
	}))
	defer changeSrv.Close()

	cfg := testConfig()
	cfg.RetryDelay = time.Millisecond
	rot := rotation.NewIPRotator(cfg, logger.NewNoOp())

	err := rot.Rotate(context.Background(), proxyCreds(t, proxySrv, changeSrv.URL))
	require.NoError(t, err)
	assert.Equal(t, int32(2), changeCalls.Load())
}

func TestIPRotatorUnconfigured(t *testing.T) {
	rot := rotation.NewIPRotator(testConfig(), logger.NewNoOp())

	err := rot.Rotate(context.Background(), nil)
	assert.ErrorIs(t, err, rotation.ErrNotConfigured)

	err = rot.Rotate(context.Background(), &domain.ProxyCredentials{})
	assert.ErrorIs(t, err, rotation.ErrNotConfigured)
}
