// Package monitoring exposes the middleware's counters over HTTP so the
// metrics and visualization layers can read them.
package monitoring

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/gorilla/mux"

	"github.com/floodsim/floodnet/mesh"
)

// Monitor turns a running set of ports into a small web server reporting
// per-port counters and queue occupancy. It reads middleware state only; it
// never controls node lifecycle.
type Monitor struct {
	portNumber int

	lock   sync.RWMutex
	ports  map[string]mesh.Port
	server *http.Server
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		ports: make(map[string]mesh.Port),
	}
}

// WithPortNumber sets the TCP port of the monitor. Ports below 1000 are
// rejected and a random port is used instead.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterPort registers a port to be monitored.
func (m *Monitor) RegisterPort(p mesh.Port) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.ports[p.Name()] = p
}

// StartServer starts the monitor and reports the address it listens on.
func (m *Monitor) StartServer() (mesh.Address, error) {
	r := mux.NewRouter()
	r.HandleFunc("/api/ports", m.listPorts)
	r.HandleFunc("/api/ports/{name}/stats", m.portStats)
	r.PathPrefix("/debug/").Handler(http.DefaultServeMux)

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	if err != nil {
		return mesh.Address{}, fmt.Errorf("monitoring: listen: %w", err)
	}

	addr := mesh.Address{
		Host: "localhost",
		Port: listener.Addr().(*net.TCPAddr).Port,
	}

	fmt.Fprintf(os.Stderr,
		"Monitoring middleware with http://%s\n", addr)

	m.server = &http.Server{Handler: r}
	go func() {
		if err := m.server.Serve(listener); err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "monitoring: serve: %v\n", err)
		}
	}()

	return addr, nil
}

// StopServer shuts the monitor down.
func (m *Monitor) StopServer() error {
	if m.server == nil {
		return nil
	}

	return m.server.Close()
}

func (m *Monitor) listPorts(w http.ResponseWriter, _ *http.Request) {
	m.lock.RLock()
	names := make([]string, 0, len(m.ports))
	for name := range m.ports {
		names = append(names, name)
	}
	m.lock.RUnlock()

	sort.Strings(names)
	writeJSON(w, names)
}

func (m *Monitor) portStats(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	m.lock.RLock()
	p, ok := m.ports[name]
	m.lock.RUnlock()

	if !ok {
		http.Error(w, "unknown port "+name, http.StatusNotFound)
		return
	}

	writeJSON(w, p.Stats())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
