package registry

import (
	"sync"
	"testing"

	"github.com/autobridge/autobridge/protocol"
)

type fakeHandle struct {
	mu     sync.Mutex
	open   bool
	sent   [][]byte
	sendFn func([]byte) error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{open: true}
}

func (h *fakeHandle) Send(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendFn != nil {
		return h.sendFn(data)
	}
	h.sent = append(h.sent, data)
	return nil
}

func (h *fakeHandle) Open() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open
}

func (h *fakeHandle) sentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sent)
}

type recordingListener struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	lastIdentity ClientIdentity
}

func (l *recordingListener) ClientConnected(connID string, identity ClientIdentity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = append(l.connected, connID)
}

func (l *recordingListener) ClientDisconnected(connID string, identity ClientIdentity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, connID)
	l.lastIdentity = identity
}

type panickyListener struct{}

func (panickyListener) ClientConnected(string, ClientIdentity)    { panic("boom") }
func (panickyListener) ClientDisconnected(string, ClientIdentity) { panic("boom") }

func register(t *testing.T, r *Registry, connID string, role protocol.Role) *fakeHandle {
	t.Helper()
	h := newFakeHandle()
	identity := NewIdentity(connID, role, "peer-"+connID)
	identity.Status = protocol.StatusConnected
	r.Register(connID, h, identity)
	return h
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := New(nil)
	register(t, r, "c1", protocol.RoleService)

	got, ok := r.Get("c1")
	if !ok {
		t.Fatal("expected c1 to be present")
	}
	if got.Role != protocol.RoleService {
		t.Fatalf("role = %q, want %q", got.Role, protocol.RoleService)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_ReplaceEmitsDisplacedDisconnect(t *testing.T) {
	r := New(nil)
	l := &recordingListener{}
	r.AddListener(l)

	register(t, r, "c1", protocol.RoleService)
	register(t, r, "c1", protocol.RoleScheduler)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.disconnected) != 1 || l.disconnected[0] != "c1" {
		t.Fatalf("disconnected = %v, want one displaced c1", l.disconnected)
	}
	if l.lastIdentity.Status != protocol.StatusDisconnected {
		t.Fatalf("displaced status = %q, want disconnected", l.lastIdentity.Status)
	}
	if len(l.connected) != 2 {
		t.Fatalf("connected = %v, want two events", l.connected)
	}

	got, _ := r.Get("c1")
	if got.Role != protocol.RoleScheduler {
		t.Fatalf("last writer should win; role = %q", got.Role)
	}
}

func TestRegistry_UnregisterTwiceIsNoop(t *testing.T) {
	r := New(nil)
	l := &recordingListener{}
	r.AddListener(l)
	register(t, r, "c1", protocol.RoleScheduler)

	r.Unregister("c1")
	r.Unregister("c1") // second call must not fire listeners or panic

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.disconnected) != 1 {
		t.Fatalf("disconnected fired %d times, want 1", len(l.disconnected))
	}
}

func TestRegistry_ListenerPanicDoesNotBreakRegistry(t *testing.T) {
	r := New(nil)
	r.AddListener(panickyListener{})

	register(t, r, "c1", protocol.RoleScheduler)
	r.Unregister("c1")

	if r.Len() != 0 {
		t.Fatalf("Len = %d after unregister, want 0", r.Len())
	}
}

func TestRegistry_SendReturnsFalseWhenUndeliverable(t *testing.T) {
	r := New(nil)
	env := protocol.NewResponse("1", "ok")

	if r.Send("missing", env) {
		t.Fatal("send to absent connection must return false")
	}

	h := register(t, r, "c1", protocol.RoleService)
	if !r.Send("c1", env) {
		t.Fatal("send to open connection must return true")
	}

	h.mu.Lock()
	h.open = false
	h.mu.Unlock()
	if r.Send("c1", env) {
		t.Fatal("send to closed handle must return false")
	}
	if _, ok := r.Get("c1"); !ok {
		t.Fatal("failed send must not tear down the registry entry")
	}
}

func TestRegistry_BroadcastExcludesSender(t *testing.T) {
	r := New(nil)
	svc := register(t, r, "svc", protocol.RoleService)
	s1 := register(t, r, "s1", protocol.RoleScheduler)
	s2 := register(t, r, "s2", protocol.RoleScheduler)

	env := protocol.NewNotification("n1", "job.completed", nil)
	n := r.Broadcast(protocol.RoleScheduler, env, "s1")
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if s1.sentCount() != 0 {
		t.Fatal("sender must not receive its own broadcast")
	}
	if s2.sentCount() != 1 {
		t.Fatalf("s2 received %d frames, want 1", s2.sentCount())
	}
	if svc.sentCount() != 0 {
		t.Fatal("service must not receive scheduler-role broadcast")
	}

	n = r.BroadcastAll(env, "s2")
	if n != 2 {
		t.Fatalf("BroadcastAll delivered = %d, want 2", n)
	}
}

func TestRegistry_ServiceConn(t *testing.T) {
	r := New(nil)
	if _, ok := r.ServiceConn(); ok {
		t.Fatal("empty registry must report no service connection")
	}
	register(t, r, "sched", protocol.RoleScheduler)
	register(t, r, "svc", protocol.RoleService)

	id, ok := r.ServiceConn()
	if !ok || id != "svc" {
		t.Fatalf("ServiceConn = %q,%v; want svc,true", id, ok)
	}
}

func TestRegistry_UpdateIdentityIsAtomic(t *testing.T) {
	r := New(nil)
	register(t, r, "c1", protocol.RoleService)

	updated, _ := r.Get("c1")
	updated.Role = protocol.RoleScheduler
	updated.Name = "sched-7"
	updated.Version = "2.1.0"
	updated.Status = protocol.StatusConnected

	if !r.UpdateIdentity("c1", updated) {
		t.Fatal("update of present connection must succeed")
	}
	if r.UpdateIdentity("missing", updated) {
		t.Fatal("update of absent connection must fail")
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				got, ok := r.Get("c1")
				if !ok {
					continue
				}
				// Identity is replaced wholesale; a reader must never see the
				// new role paired with the old name.
				if got.Role == protocol.RoleScheduler && got.Name != "sched-7" {
					t.Error("observed half-updated identity")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestRegistry_IsConnected(t *testing.T) {
	r := New(nil)
	h := register(t, r, "c1", protocol.RoleScheduler)

	if !r.IsConnected("c1") {
		t.Fatal("registered open connection must report connected")
	}
	r.SetStatus("c1", protocol.StatusBusy)
	if r.IsConnected("c1") {
		t.Fatal("busy connection must not report connected")
	}
	r.SetStatus("c1", protocol.StatusConnected)
	h.mu.Lock()
	h.open = false
	h.mu.Unlock()
	if r.IsConnected("c1") {
		t.Fatal("closed handle must not report connected")
	}
}
