package symserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/config"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/l1"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/protocol"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symserver"
)

func fakeDiskCache(t *testing.T, handler http.HandlerFunc) (*config.SymServer, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.DefaultSymServer()
	cfg.DiskCacheServer = srv.URL
	return cfg, srv
}

func parseReq(t *testing.T, body string) *protocol.SymbolicationRequest {
	t.Helper()
	req, dbg, err := protocol.Parse([]byte(body), false)
	require.NoError(t, err)
	require.Nil(t, dbg)
	return req
}

func TestSymbolicateL1Hit(t *testing.T) {
	cfg, _ := fakeDiskCache(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("disk cache must not be queried on an all-L1-hit request")
	})

	store := l1.NewMemory(0)
	store.Set("xul.pdb/ABCD1234/4096", "cachedFunc", 0)

	srv := symserver.New(cfg, store)
	req := parseReq(t, `{"version":4,"memoryMap":[["xul.pdb","ABCD1234"]],"stacks":[[[0,4096]]]}`)

	resp, err := srv.Symbolicate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cachedFunc (in xul.pdb)", resp.SymbolicatedStacks[0][0])
	assert.True(t, resp.KnownModules[0])
}

func TestSymbolicateMissQueriesDiskCacheAndBackfillsL1(t *testing.T) {
	cfg, _ := fakeDiskCache(t, func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			Version   int          `json:"version"`
			MemoryMap [][2]string  `json:"memoryMap"`
			Stacks    [][][2]int64 `json:"stacks"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		require.Len(t, raw.MemoryMap, 1)
		assert.Equal(t, "xul.pdb", raw.MemoryMap[0][0])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.SymbolicationResponse{
			SymbolicatedStacks: [][]string{{"resolvedFunc (in xul.pdb)"}},
			KnownModules:       []bool{true},
		})
	})

	store := l1.NewMemory(0)
	srv := symserver.New(cfg, store)
	req := parseReq(t, `{"version":4,"memoryMap":[["xul.pdb","ABCD1234"]],"stacks":[[[0,4096]]]}`)

	resp, err := srv.Symbolicate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "resolvedFunc (in xul.pdb)", resp.SymbolicatedStacks[0][0])
	assert.True(t, resp.KnownModules[0])

	cached, found := store.Get("xul.pdb/ABCD1234/4096")
	require.True(t, found, "a resolved frame must be backfilled into L1")
	assert.Equal(t, "resolvedFunc", cached, "L1 stores the bare symbol, not the annotated one")
}

func TestSymbolicateDiskCacheFailureLeavesPlaceholders(t *testing.T) {
	cfg, _ := fakeDiskCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	srv := symserver.New(cfg, l1.NewMemory(0))
	req := parseReq(t, `{"version":4,"memoryMap":[["xul.pdb","ABCD1234"]],"stacks":[[[0,4096]]]}`)

	resp, err := srv.Symbolicate(context.Background(), req)
	require.NoError(t, err, "a disk cache failure must never surface as an error to the caller")
	assert.Equal(t, "0x1000 (in xul.pdb)", resp.SymbolicatedStacks[0][0])
	assert.False(t, resp.KnownModules[0])
}

func TestSymbolicateDedupsRepeatedModuleInSubRequest(t *testing.T) {
	var seenModules int
	cfg, _ := fakeDiskCache(t, func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			MemoryMap [][2]string `json:"memoryMap"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		seenModules = len(raw.MemoryMap)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(protocol.SymbolicationResponse{
			SymbolicatedStacks: [][]string{{"f1 (in xul.pdb)", "f2 (in xul.pdb)"}},
			KnownModules:       []bool{true},
		})
	})

	srv := symserver.New(cfg, l1.NewMemory(0))
	req := parseReq(t, `{"version":4,"memoryMap":[["xul.pdb","ABCD1234"]],"stacks":[[[0,100],[0,200]]]}`)

	_, err := srv.Symbolicate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, seenModules, "two frames referencing the same module must dedup to one sub-request module")
}

func TestHandleRequestV3ShapesBareArray(t *testing.T) {
	cfg, _ := fakeDiskCache(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := symserver.New(cfg, l1.NewMemory(0))
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	body := `{"version":3,"memoryMap":[["xul.pdb","ABCD1234"]],"stacks":[[[0,4096]]]}`
	resp, err := http.Post(httpSrv.URL+"/", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stacks [][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stacks))
	require.Len(t, stacks, 1)
}

func TestLBHeartbeat(t *testing.T) {
	cfg := config.DefaultSymServer()
	srv := symserver.New(cfg, l1.NewMemory(0))
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/__lbheartbeat__")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOutputCacheHitsDebugToggle(t *testing.T) {
	cfg, _ := fakeDiskCache(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no disk cache call expected")
	})
	store := l1.NewMemory(0)
	store.Set("xul.pdb/ABCD1234/4096", "cachedFunc", 0)
	srv := symserver.New(cfg, store)
	httpSrv := httptest.NewServer(srv.Router())
	defer httpSrv.Close()

	resp, err := http.Post(httpSrv.URL+"/", "application/json", bytes.NewBufferString(`{"debug":true,"action":"outputCacheHits","enabled":true}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := `{"version":4,"memoryMap":[["xul.pdb","ABCD1234"]],"stacks":[[[0,4096]]]}`
	resp2, err := http.Post(httpSrv.URL+"/", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp2.Body.Close()

	var decoded protocol.SymbolicationResponse
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&decoded))
	require.Len(t, decoded.CacheHits, 1)
	assert.True(t, decoded.CacheHits[0][0])
}

func TestCacheEvictDebugAction(t *testing.T) {
	cfg := config.DefaultSymServer()
	store := l1.NewMemory(0)
	store.Set("xul.pdb/ABCD1234/4096", "cachedFunc", 0)
	srv := symserver.New(cfg, store)

	srv.DebugCacheEvict("xul.pdb", "ABCD1234", 4096)

	_, found := store.Get("xul.pdb/ABCD1234/4096")
	assert.False(t, found)
}
