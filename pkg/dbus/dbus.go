// Package dbus watches system-bus traffic for the lifetime of a launched
// command and attributes each method call to the PID namespace of the
// process that issued it, so the policy assembler can list the
// "interface.method" pairs a namespace actually exercised.
package dbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"sync"

	godbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Msg is the serializable projection of a bus message this package
// tracks: callers only need enough of the message to attribute it, not
// its full argument payload.
type Msg struct {
	Type        string   `json:"type"`
	Sender      string   `json:"sender,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Serial      uint32   `json:"serial,omitempty"`
	Interface   string   `json:"interface,omitempty"`
	Method      string   `json:"method,omitempty"`
	Path        string   `json:"path,omitempty"`
	Arguments   []string `json:"arguments,omitempty"`
}

type msgKey struct {
	sender string
	serial uint32
}

// Monitor tracks bus traffic in memory. This logic could instead run in
// a forked, setuid child process writing a JSON file for the parent to
// re-read; here it runs as a goroutine sharing memory with the rest of
// the process, so no file round-trip is needed.
type Monitor struct {
	log *logrus.Entry

	mu                   sync.Mutex
	credentialsRequests  map[msgKey]string   // (sender, serial) of a GetConnectionCredentials call -> requested bus name
	messages             []Msg
	owners               map[uint32][]string // pid-namespace inode -> bus names owned by processes in it
	requests             map[string][]Msg    // bus name -> method calls it sent
}

// NewMonitor builds an idle Monitor. Call Run to start listening.
func NewMonitor(log *logrus.Entry) *Monitor {
	return &Monitor{
		log:                 log,
		credentialsRequests: make(map[msgKey]string),
		owners:              make(map[uint32][]string),
		requests:            make(map[string][]Msg),
	}
}

// Run connects to the system bus, registers as a monitor (preferring the
// org.freedesktop.DBus.Monitoring.BecomeMonitor call, falling back to an
// eavesdrop match rule, and finally to a plain match rule, exactly as
// dbus-monitor itself does when BecomeMonitor is unavailable), and
// attributes traffic until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	conn, err := godbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()

	ch := make(chan *godbus.Message, 256)

	call := conn.BusObject().Call("org.freedesktop.DBus.Monitoring.BecomeMonitor", 0, []string{}, uint32(0))
	if call.Err != nil {
		m.log.WithError(call.Err).Warn("BecomeMonitor unavailable, falling back to eavesdrop")
		if err := conn.AddMatchSignal(godbus.WithMatchOption("eavesdrop", "true")); err != nil {
			m.log.WithError(err).Warn("eavesdrop match failed, trying without it")
			if err := conn.AddMatchSignal(); err != nil {
				return fmt.Errorf("add match rule: %w", err)
			}
		}
	}
	conn.Eavesdrop(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			m.handle(msg)
		}
	}
}

func (m *Monitor) handle(msg *godbus.Message) {
	sender, _ := headerString(msg, godbus.FieldSender)
	dest, _ := headerString(msg, godbus.FieldDestination)
	iface, _ := headerString(msg, godbus.FieldInterface)
	method, _ := headerString(msg, godbus.FieldMember)
	path, _ := headerString(msg, godbus.FieldPath)

	serial := msg.Serial
	if msg.Type == godbus.TypeMethodReturn {
		if rs, ok := msg.Headers[godbus.FieldReplySerial]; ok {
			if v, ok := rs.Value().(uint32); ok {
				serial = v
			}
		}
	}

	tracked := Msg{
		Type:        msgTypeName(msg.Type),
		Sender:      sender,
		Destination: dest,
		Serial:      serial,
		Interface:   iface,
		Method:      method,
		Path:        path,
		Arguments:   formatArgs(msg.Body),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case msg.Type == godbus.TypeMethodCall && method == "GetConnectionCredentials":
		m.credentialsRequests[msgKey{sender: sender, serial: serial}] = firstStringArg(msg.Body)

	case msg.Type == godbus.TypeMethodReturn:
		key := msgKey{sender: dest, serial: serial}
		if busName, ok := m.credentialsRequests[key]; ok {
			if nsid, ok := credentialsReplyNamespace(msg.Body); ok {
				m.addOwner(nsid, busName)
			}
			delete(m.credentialsRequests, key)
		}

	case msg.Type == godbus.TypeMethodCall:
		m.requests[sender] = append(m.requests[sender], tracked)
	}

	m.messages = append(m.messages, tracked)
}

func (m *Monitor) addOwner(nsid uint32, busName string) {
	for _, existing := range m.owners[nsid] {
		if existing == busName {
			return
		}
	}
	m.owners[nsid] = append(m.owners[nsid], busName)
}

// MethodsFor returns the deduplicated "interface.method" strings issued
// by any bus name owned by a process in the given PID-namespace inode.
func (m *Monitor) MethodsFor(nsid uint32) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var methods []string
	for _, busName := range m.owners[nsid] {
		for _, req := range m.requests[busName] {
			if req.Interface == "" || req.Method == "" {
				continue
			}
			full := req.Interface + "." + req.Method
			if seen[full] {
				continue
			}
			seen[full] = true
			methods = append(methods, full)
		}
	}
	return methods
}

// DumpJSON writes the ns_inode -> [Msg] map this Monitor has observed to
// path, for parity with the on-disk handoff file a forked monitor
// process would have produced, and for offline debugging.
func (m *Monitor) DumpJSON(path string) error {
	m.mu.Lock()
	out := make(map[string][]Msg, len(m.owners))
	for nsid, busNames := range m.owners {
		var msgs []Msg
		for _, busName := range busNames {
			msgs = append(msgs, m.requests[busName]...)
		}
		out[strconv.FormatUint(uint64(nsid), 10)] = msgs
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dbus dump: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func headerString(msg *godbus.Message, field godbus.HeaderField) (string, bool) {
	v, ok := msg.Headers[field]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func msgTypeName(t godbus.MessageType) string {
	switch t {
	case godbus.TypeMethodCall:
		return "MethodCall"
	case godbus.TypeMethodReturn:
		return "MethodReturn"
	case godbus.TypeError:
		return "Error"
	case godbus.TypeSignal:
		return "Signal"
	default:
		return "Invalid"
	}
}

func formatArgs(body []interface{}) []string {
	if len(body) == 0 {
		return nil
	}
	args := make([]string, len(body))
	for i, v := range body {
		args[i] = fmt.Sprintf("%v", v)
	}
	return args
}

func firstStringArg(body []interface{}) string {
	if len(body) == 0 {
		return ""
	}
	s, _ := body[0].(string)
	return s
}

// credentialsReplyNamespace extracts ProcessID from a
// GetConnectionCredentials reply body and resolves it to the inode of
// that process's PID namespace.
func credentialsReplyNamespace(body []interface{}) (uint32, bool) {
	if len(body) == 0 {
		return 0, false
	}
	creds, ok := body[0].(map[string]godbus.Variant)
	if !ok {
		return 0, false
	}
	pidVariant, ok := creds["ProcessID"]
	if !ok {
		return 0, false
	}
	pid, ok := pidVariant.Value().(uint32)
	if !ok {
		return 0, false
	}
	return pidNamespaceInode(pid)
}

func pidNamespaceInode(pid uint32) (uint32, bool) {
	var st unix.Stat_t
	if err := unix.Stat(fmt.Sprintf("/proc/%d/ns/pid", pid), &st); err != nil {
		return 0, false
	}
	return uint32(st.Ino), true
}
