package backende

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newFakeDevice spins up a TLS server speaking just enough of the eSCL
// surface this backend exercises: ScannerCapabilities, ScanJobs, and a
// NextDocument endpoint that serves pageCount pages before returning 404.
func newFakeDevice(t *testing.T, pageCount int) (addr string, jobsCreated *int32) {
	t.Helper()
	var created int32
	var served int32

	mux := http.NewServeMux()
	mux.HandleFunc("/eSCL/ScannerCapabilities", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		w.Write([]byte(`<ScannerCapabilities><MakeAndModel>NetScan 9000</MakeAndModel><SupportedPaperSizes><Size>A4</Size></SupportedPaperSizes></ScannerCapabilities>`))
	})
	mux.HandleFunc("/eSCL/ScanJobs", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&created, 1)
		w.Header().Set("Location", "/eSCL/ScanJobs/job-1")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/eSCL/ScanJobs/job-1/NextDocument", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&served, 1)
		if int(n) > pageCount {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("page-bytes"))
	})
	mux.HandleFunc("/eSCL/ScanJobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusOK)
		}
	})

	srv := httptest.NewTLSServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Host, &created
}

func TestEnumerateFetchesCapabilitiesAndDropsUnreachable(t *testing.T) {
	addr, _ := newFakeDevice(t, 1)
	b := New(addr, "127.0.0.1:1") // second host is never listening

	devices, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "NetScan 9000", devices[0].Name)
}

func TestSelectUnknownHostFails(t *testing.T) {
	b := New()
	require.Error(t, b.Select(context.Background(), "nope"))
}

func TestStartDrainsPagesThenCompletes(t *testing.T) {
	addr, jobsCreated := newFakeDevice(t, 3)
	b := New(addr)
	require.NoError(t, b.Initialize(context.Background(), nil))

	devices, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.NoError(t, b.Select(context.Background(), devices[0].ID))

	require.NoError(t, b.Start(context.Background(), "req1"))

	pages := 0
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-b.Events():
			if evt.Page != nil {
				pages++
			}
			if evt.Completed != nil {
				require.Equal(t, 3, evt.Completed.TotalPages)
				require.EqualValues(t, 1, atomic.LoadInt32(jobsCreated))
				require.Equal(t, 3, pages)
				return
			}
			require.Nil(t, evt.Err)
		case <-deadline:
			t.Fatal("timed out waiting for drain to complete")
		}
	}
}

func TestRegisterHostAddsManualCandidate(t *testing.T) {
	addr, _ := newFakeDevice(t, 0)
	b := New()
	id := b.RegisterHost(addr)
	require.True(t, strings.HasPrefix(id, "manual-"))
	require.NoError(t, b.Select(context.Background(), id))
}

func TestStopDuringDrainEmitsCancelled(t *testing.T) {
	addr, _ := newFakeDevice(t, 100)
	b := New(addr)
	require.NoError(t, b.Initialize(context.Background(), nil))
	devices, err := b.Enumerate(context.Background())
	require.NoError(t, err)
	require.NoError(t, b.Select(context.Background(), devices[0].ID))

	require.NoError(t, b.Start(context.Background(), "req2"))
	b.Stop()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-b.Events():
			if evt.Err != nil {
				require.Equal(t, "CANCELLED", evt.Err.Code)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for cancellation event")
		}
	}
}
