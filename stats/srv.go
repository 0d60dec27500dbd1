package stats

import (
	"encoding/json"
	"net/http"
	"sync"
)

type Stats struct {
	SectorsRead    uint64 `json:"sectors-read"`
	SectorsWritten uint64 `json:"sectors-written"`
	Flushes        uint64 `json:"flushes"`
	DeviceErrors   uint64 `json:"device-errors"`

	Mounts  uint64 `json:"mounts"`
	Lookups uint64 `json:"lookups"`

	Opens  uint64 `json:"open-count"`
	Reads  uint64 `json:"read-count"`
	Writes uint64 `json:"write-count"`
	Seeks  uint64 `json:"seek-count"`
}

var (
	// Mutex to protect concurrent access to stats
	statsMutex sync.RWMutex
	stats      = &Stats{}
)

func AddSectorsRead(cnt uint64) {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats.SectorsRead += cnt
}

func AddSectorsWritten(cnt uint64) {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats.SectorsWritten += cnt
}

func AddFlush() {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats.Flushes++
}

func AddDeviceError() {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats.DeviceErrors++
}

func AddMount() {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats.Mounts++
}

func AddLookup() {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats.Lookups++
}

func AddOpen() {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats.Opens++
}

func AddRead() {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats.Reads++
}

func AddWrite() {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats.Writes++
}

func AddSeek() {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats.Seeks++
}

// Snapshot returns a copy of the current counters.
func Snapshot() Stats {
	statsMutex.RLock()
	defer statsMutex.RUnlock()
	return *stats
}

func Reset() {
	statsMutex.Lock()
	defer statsMutex.Unlock()
	stats = &Stats{}
}

func StatServer(addr string) {
	http.HandleFunc("/", statsHandler)
	http.HandleFunc("/reset", resetHandler)
	http.ListenAndServe(addr, nil)
}

func statsHandler(w http.ResponseWriter, r *http.Request) {
	statsMutex.RLock()
	defer statsMutex.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

func resetHandler(w http.ResponseWriter, r *http.Request) {
	Reset()

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Stats reset successfully!"))
}
