package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/morezero/action-gateway/pkg/action"
)

const registryTestPrefix = "registry:registry_test"

// recordingSender captures sent messages and can be switched to fail.
type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (s *recordingSender) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("connection gone")
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func newTestRegistry(maxClients uint64) *Registry {
	return NewRegistry(NewRegistryParams{Config: Config{MaxClients: maxClients}})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.MaxClients != defaultMaxClients {
		t.Errorf("%s - MaxClients = %d, want %d", registryTestPrefix, cfg.MaxClients, uint64(defaultMaxClients))
	}
	if cfg.InitialCapacity != defaultInitialCapacity {
		t.Errorf("%s - InitialCapacity = %d, want %d", registryTestPrefix, cfg.InitialCapacity, defaultInitialCapacity)
	}
}

func TestNewRegistry_ZeroConfigUsesDefaults(t *testing.T) {
	reg := NewRegistry(NewRegistryParams{})
	if reg.MaxClients() != defaultMaxClients {
		t.Errorf("%s - MaxClients = %d, want default", registryTestPrefix, reg.MaxClients())
	}
}

func TestAddClient_LowestFirstAndReuse(t *testing.T) {
	reg := newTestRegistry(0)

	for want := ClientID(1); want <= 3; want++ {
		id, err := reg.AddClient(&recordingSender{})
		if err != nil {
			t.Fatalf("%s - AddClient failed: %v", registryTestPrefix, err)
		}
		if id != want {
			t.Errorf("%s - AddClient = %d, want %d", registryTestPrefix, id, want)
		}
	}

	if !reg.RemoveClient(2) {
		t.Fatalf("%s - RemoveClient(2) reported nothing removed", registryTestPrefix)
	}

	id, err := reg.AddClient(&recordingSender{})
	if err != nil {
		t.Fatalf("%s - AddClient failed: %v", registryTestPrefix, err)
	}
	if id != 2 {
		t.Errorf("%s - AddClient after removing 2 = %d, want 2", registryTestPrefix, id)
	}

	id, _ = reg.AddClient(&recordingSender{})
	if id != 4 {
		t.Errorf("%s - next AddClient = %d, want 4", registryTestPrefix, id)
	}
}

func TestAddClient_Exhausted(t *testing.T) {
	reg := newTestRegistry(2)
	if _, err := reg.AddClient(&recordingSender{}); err != nil {
		t.Fatalf("%s - unexpected error: %v", registryTestPrefix, err)
	}
	if _, err := reg.AddClient(&recordingSender{}); err != nil {
		t.Fatalf("%s - unexpected error: %v", registryTestPrefix, err)
	}

	id, err := reg.AddClient(&recordingSender{})
	if !errors.Is(err, ErrIdentitySpaceExhausted) {
		t.Fatalf("%s - err = %v, want ErrIdentitySpaceExhausted", registryTestPrefix, err)
	}
	if id != NoClient {
		t.Errorf("%s - id = %d, want NoClient", registryTestPrefix, id)
	}

	reg.RemoveClient(1)
	id, err = reg.AddClient(&recordingSender{})
	if err != nil || id != 1 {
		t.Errorf("%s - AddClient after free = (%d, %v), want (1, nil)", registryTestPrefix, id, err)
	}
}

func TestAddClient_ConcurrentIdentitiesAreUnique(t *testing.T) {
	reg := newTestRegistry(0)
	const workers = 64

	var wg sync.WaitGroup
	ids := make(chan ClientID, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := reg.AddClient(&recordingSender{})
			if err != nil {
				t.Errorf("%s - AddClient failed: %v", registryTestPrefix, err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[ClientID]bool)
	for id := range ids {
		if id == NoClient {
			t.Errorf("%s - allocated zero id", registryTestPrefix)
		}
		if seen[id] {
			t.Errorf("%s - id %d allocated twice", registryTestPrefix, id)
		}
		seen[id] = true
	}
	if len(seen) != workers {
		t.Errorf("%s - got %d ids, want %d", registryTestPrefix, len(seen), workers)
	}
	for i := ClientID(1); i <= workers; i++ {
		if !seen[i] {
			t.Errorf("%s - id %d missing: allocation is not dense", registryTestPrefix, i)
		}
	}
}

func TestRemoveClient_Idempotent(t *testing.T) {
	reg := newTestRegistry(0)
	a := &recordingSender{}
	b := &recordingSender{}
	idA, _ := reg.AddClient(a)
	idB, _ := reg.AddClient(b)

	if !reg.RemoveClient(idA) {
		t.Errorf("%s - first remove should report true", registryTestPrefix)
	}
	if reg.RemoveClient(idA) {
		t.Errorf("%s - second remove should report false", registryTestPrefix)
	}
	if reg.RemoveClient(99) {
		t.Errorf("%s - removing unknown id should report false", registryTestPrefix)
	}
	if s, ok := reg.GetSender(idB); !ok || s != b {
		t.Errorf("%s - unrelated client %d affected by removals", registryTestPrefix, idB)
	}
	if reg.Len() != 1 {
		t.Errorf("%s - Len = %d, want 1", registryTestPrefix, reg.Len())
	}
}

func TestSocketReply_Delivers(t *testing.T) {
	reg := newTestRegistry(0)
	s := &recordingSender{}
	id, _ := reg.AddClient(s)

	reg.SocketReply(id, &action.Action{ID: "r1", Type: "result"})

	msgs := s.messages()
	if len(msgs) != 1 {
		t.Fatalf("%s - sent %d messages, want 1", registryTestPrefix, len(msgs))
	}
	a, err := action.Parse([]byte(msgs[0]))
	if err != nil {
		t.Fatalf("%s - reply is not an action: %v", registryTestPrefix, err)
	}
	if a.ID != "r1" || a.Type != "result" {
		t.Errorf("%s - reply = %+v", registryTestPrefix, a)
	}
	if reg.Len() != 1 {
		t.Errorf("%s - client removed after successful reply", registryTestPrefix)
	}
}

func TestSocketReply_FailedSendRemovesClient(t *testing.T) {
	reg := newTestRegistry(0)
	s := &recordingSender{fail: true}
	other := &recordingSender{}
	id, _ := reg.AddClient(s)
	otherID, _ := reg.AddClient(other)

	reg.SocketReply(id, &action.Action{Type: "result"})

	if _, ok := reg.GetSender(id); ok {
		t.Errorf("%s - client %d still registered after failed delivery", registryTestPrefix, id)
	}
	if _, ok := reg.GetSender(otherID); !ok {
		t.Errorf("%s - unrelated client removed", registryTestPrefix)
	}
}

func TestSocketReply_RemovedClient(t *testing.T) {
	reg := newTestRegistry(0)
	s := &recordingSender{}
	id, _ := reg.AddClient(s)
	reg.RemoveClient(id)

	reg.SocketReply(id, &action.Action{Type: "result"})

	if len(s.messages()) != 0 {
		t.Errorf("%s - reply delivered to removed client", registryTestPrefix)
	}
	if _, ok := reg.GetSender(id); ok {
		t.Errorf("%s - removed client reappeared", registryTestPrefix)
	}
}

func TestSocketReply_UnencodableActionKeepsClient(t *testing.T) {
	reg := newTestRegistry(0)
	s := &recordingSender{}
	id, _ := reg.AddClient(s)

	reg.SocketReply(id, &action.Action{Type: "bad", Params: []byte("{nope")})

	if len(s.messages()) != 0 {
		t.Errorf("%s - unencodable action was sent", registryTestPrefix)
	}
	if _, ok := reg.GetSender(id); !ok {
		t.Errorf("%s - client removed for a local encoding error", registryTestPrefix)
	}
}

func TestBroadcast(t *testing.T) {
	reg := newTestRegistry(0)
	good := []*recordingSender{{}, {}, {}}
	for _, s := range good {
		reg.AddClient(s)
	}
	bad := &recordingSender{fail: true}
	badID, _ := reg.AddClient(bad)

	delivered := reg.Broadcast(&action.Action{Type: "notice"})
	if delivered != len(good) {
		t.Errorf("%s - delivered = %d, want %d", registryTestPrefix, delivered, len(good))
	}
	for i, s := range good {
		if len(s.messages()) != 1 {
			t.Errorf("%s - client %d received %d messages, want 1", registryTestPrefix, i, len(s.messages()))
		}
	}
	if _, ok := reg.GetSender(badID); ok {
		t.Errorf("%s - failing client kept after broadcast", registryTestPrefix)
	}
}

func TestClientIDs_Sorted(t *testing.T) {
	reg := newTestRegistry(0)
	for i := 0; i < 5; i++ {
		reg.AddClient(&recordingSender{})
	}
	reg.RemoveClient(3)

	got := fmt.Sprint(reg.ClientIDs())
	if got != "[1 2 4 5]" {
		t.Errorf("%s - ClientIDs = %s, want [1 2 4 5]", registryTestPrefix, got)
	}
}

func TestSenderFunc(t *testing.T) {
	var got string
	var s Sender = SenderFunc(func(text string) error {
		got = text
		return nil
	})
	if err := s.Send("hi"); err != nil || got != "hi" {
		t.Errorf("%s - SenderFunc did not forward: got %q err %v", registryTestPrefix, got, err)
	}
}

func TestGetSender(t *testing.T) {
	reg := newTestRegistry(0)
	s := &recordingSender{}
	id, _ := reg.AddClient(s)

	got, ok := reg.GetSender(id)
	if !ok || got != Sender(s) {
		t.Fatalf("%s - GetSender(%d) = (%v, %v)", registryTestPrefix, id, got, ok)
	}

	reg.RemoveClient(id)
	if _, ok := reg.GetSender(id); ok {
		t.Errorf("%s - GetSender found removed client", registryTestPrefix)
	}
	if _, ok := reg.GetSender(NoClient); ok {
		t.Errorf("%s - GetSender found NoClient", registryTestPrefix)
	}
}

func TestReleaseClient(t *testing.T) {
	reg := newTestRegistry(4)
	stale := &recordingSender{fail: true}
	id, _ := reg.AddClient(stale)

	// A failed delivery frees the identity and a new connection takes it.
	reg.SocketReply(id, &action.Action{Type: "result"})
	fresh := &recordingSender{}
	reused, _ := reg.AddClient(fresh)
	if reused != id {
		t.Fatalf("%s - reused id = %d, want %d", registryTestPrefix, reused, id)
	}

	if reg.ReleaseClient(id, stale) {
		t.Errorf("%s - stale sender released the new binding", registryTestPrefix)
	}
	if got, ok := reg.GetSender(id); !ok || got != Sender(fresh) {
		t.Errorf("%s - binding for %d changed after stale release", registryTestPrefix, id)
	}
	if !reg.ReleaseClient(id, fresh) {
		t.Errorf("%s - owner could not release its own identity", registryTestPrefix)
	}
	if reg.ReleaseClient(id, fresh) {
		t.Errorf("%s - second release reported a removal", registryTestPrefix)
	}
	if reg.Len() != 0 {
		t.Errorf("%s - Len = %d, want 0", registryTestPrefix, reg.Len())
	}
}

func TestReleaseClient_SenderFunc(t *testing.T) {
	reg := newTestRegistry(4)
	fn := SenderFunc(func(string) error { return nil })
	id, _ := reg.AddClient(fn)

	if reg.ReleaseClient(id, &recordingSender{}) {
		t.Errorf("%s - sender of another type released the binding", registryTestPrefix)
	}
	if !reg.ReleaseClient(id, fn) {
		t.Errorf("%s - SenderFunc owner could not release", registryTestPrefix)
	}
}
