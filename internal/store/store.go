package store

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"hookrelay/internal/model"
)

var (
	ErrSlugTaken        = errors.New("slug already taken")
	ErrEndpointNotFound = errors.New("endpoint not found")
	ErrDeliveryNotFound = errors.New("delivery not found")
	ErrWrongEndpoint    = errors.New("machine belongs to another endpoint")
)

// Store is the durable record collaborator: endpoints, machines, events and
// deliveries behind key lookups and inserts/updates. The relay actor never
// touches it; the handlers around the actor do.
type Store struct {
	mu sync.RWMutex

	machinesStateFile string
	persistMu         sync.Mutex

	endpointsByID   map[string]model.Endpoint
	endpointsBySlug map[string]string // slug -> endpointID

	machinesByID map[string]model.Machine

	events     *eventStore
	deliveries map[string]model.Delivery
}

type Options struct {
	MachinesStateFile string
}

func New() *Store {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) *Store {
	s := &Store{
		endpointsByID:     make(map[string]model.Endpoint),
		endpointsBySlug:   make(map[string]string),
		machinesByID:      make(map[string]model.Machine),
		events:            newEventStore(),
		deliveries:        make(map[string]model.Delivery),
		machinesStateFile: opts.MachinesStateFile,
	}

	if s.machinesStateFile != "" {
		if err := s.loadMachinesFromFile(s.machinesStateFile); err != nil {
			log.Printf("machines persistence: load failed (%s): %v", s.machinesStateFile, err)
		}
	}

	return s
}

func (s *Store) CreateEndpoint(userID, slug, signingSecret string, nowMillis int64) (model.Endpoint, error) {
	if userID == "" {
		return model.Endpoint{}, errors.New("missing userID")
	}
	if slug == "" {
		return model.Endpoint{}, errors.New("missing slug")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.endpointsBySlug[slug]; ok {
		return model.Endpoint{}, ErrSlugTaken
	}

	ep := model.Endpoint{
		ID:            uuid.NewString(),
		UserID:        userID,
		Slug:          slug,
		SigningSecret: signingSecret,
		CreatedAt:     nowMillis,
		UpdatedAt:     nowMillis,
	}
	s.endpointsByID[ep.ID] = ep
	s.endpointsBySlug[slug] = ep.ID
	return ep, nil
}

func (s *Store) GetEndpoint(endpointID string) (model.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ep, ok := s.endpointsByID[endpointID]
	return ep, ok
}

func (s *Store) GetEndpointBySlug(slug string) (model.Endpoint, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.endpointsBySlug[slug]
	if !ok {
		return model.Endpoint{}, false
	}
	ep, ok := s.endpointsByID[id]
	return ep, ok
}

func (s *Store) ListEndpoints(userID string) []model.Endpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Endpoint, 0)
	for _, ep := range s.endpointsByID {
		if ep.UserID == userID {
			result = append(result, ep)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	return result
}

// UpsertMachine registers a machine under an endpoint, or updates the name
// and forward destination of an existing record. An empty machineID mints a
// new identity.
func (s *Store) UpsertMachine(endpointID, machineID, name, forwardURL string, nowMillis int64) (model.Machine, bool, error) {
	if name == "" {
		return model.Machine{}, false, errors.New("missing machine name")
	}

	s.mu.Lock()

	if _, ok := s.endpointsByID[endpointID]; !ok {
		s.mu.Unlock()
		return model.Machine{}, false, ErrEndpointNotFound
	}

	if machineID != "" {
		if existing, ok := s.machinesByID[machineID]; ok {
			if existing.EndpointID != endpointID {
				s.mu.Unlock()
				return model.Machine{}, false, ErrWrongEndpoint
			}

			changed := false
			if name != existing.Name {
				existing.Name = name
				changed = true
			}
			if forwardURL != "" && forwardURL != existing.ForwardURL {
				existing.ForwardURL = forwardURL
				changed = true
			}
			var snapshot []model.Machine
			if changed {
				existing.UpdatedAt = nowMillis
				s.machinesByID[machineID] = existing
				if s.machinesStateFile != "" {
					snapshot = s.snapshotMachinesLocked()
				}
			}
			s.mu.Unlock()
			if snapshot != nil {
				s.persistMachinesSnapshot(snapshot)
			}
			return existing, false, nil
		}
	} else {
		machineID = uuid.NewString()
	}

	m := model.Machine{
		ID:         machineID,
		EndpointID: endpointID,
		Name:       name,
		ForwardURL: forwardURL,
		CreatedAt:  nowMillis,
		UpdatedAt:  nowMillis,
	}
	s.machinesByID[machineID] = m
	var snapshot []model.Machine
	if s.machinesStateFile != "" {
		snapshot = s.snapshotMachinesLocked()
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.persistMachinesSnapshot(snapshot)
	}
	return m, true, nil
}

func (s *Store) GetMachine(endpointID, machineID string) (model.Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machinesByID[machineID]
	if !ok || m.EndpointID != endpointID {
		return model.Machine{}, false
	}
	return m, true
}

// ListMachines returns the endpoint's machine records oldest first, so the
// identity resolver sees a stable order when it looks for a reusable record.
func (s *Store) ListMachines(endpointID string) []model.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Machine, 0)
	for _, m := range s.machinesByID {
		if m.EndpointID == endpointID {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// SetMachineOnline flips the presence flag. The websocket handler calls this
// around actor join/leave; the actor itself never writes to the store.
func (s *Store) SetMachineOnline(machineID string, online bool, nowMillis int64) bool {
	s.mu.Lock()

	m, ok := s.machinesByID[machineID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	m.Online = online
	m.LastSeenAt = nowMillis
	m.UpdatedAt = nowMillis
	s.machinesByID[machineID] = m

	var snapshot []model.Machine
	if s.machinesStateFile != "" {
		snapshot = s.snapshotMachinesLocked()
	}
	s.mu.Unlock()
	if snapshot != nil {
		s.persistMachinesSnapshot(snapshot)
	}
	return true
}

// CreateDelivery allocates a pending delivery for one (event, machine) pair.
// Delivery ids are minted here, before any broadcast uses them.
func (s *Store) CreateDelivery(eventID, machineID string, nowMillis int64) model.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := model.Delivery{
		ID:        uuid.NewString(),
		EventID:   eventID,
		MachineID: machineID,
		Status:    model.DeliveryPending,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	s.deliveries[d.ID] = d
	return d
}

func (s *Store) GetDelivery(deliveryID string) (model.Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deliveries[deliveryID]
	return d, ok
}

func (s *Store) UpdateDeliveryResult(deliveryID string, status model.DeliveryStatus, responseStatus *int, responseBody, errMsg *string, durationMs *int64, nowMillis int64) error {
	if !status.Valid() {
		return errors.New("invalid delivery status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[deliveryID]
	if !ok {
		return ErrDeliveryNotFound
	}
	d.Status = status
	d.ResponseStatus = responseStatus
	d.ResponseBody = responseBody
	d.Error = errMsg
	d.DurationMs = durationMs
	d.UpdatedAt = nowMillis
	s.deliveries[deliveryID] = d
	return nil
}

func (s *Store) ListDeliveries(eventID string) []model.Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Delivery, 0)
	for _, d := range s.deliveries {
		if d.EventID == eventID {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	return result
}

type persistedMachinesFile struct {
	Version  int             `json:"version"`
	Machines []model.Machine `json:"machines"`
	SavedAt  int64           `json:"savedAt"`
}

func (s *Store) loadMachinesFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedMachinesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported machines state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range file.Machines {
		if m.ID == "" || m.EndpointID == "" {
			continue
		}
		// the process restarted; no socket can still be open
		m.Online = false
		s.machinesByID[m.ID] = m
	}
	return nil
}

func (s *Store) snapshotMachinesLocked() []model.Machine {
	result := make([]model.Machine, 0, len(s.machinesByID))
	for _, m := range s.machinesByID {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *Store) persistMachinesSnapshot(machines []model.Machine) {
	path := s.machinesStateFile
	if path == "" {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Printf("machines persistence: mkdir failed (%s): %v", dir, err)
		return
	}

	file := persistedMachinesFile{Version: 1, Machines: machines, SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		log.Printf("machines persistence: marshal failed: %v", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		log.Printf("machines persistence: create temp failed: %v", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		log.Printf("machines persistence: chmod temp failed: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		log.Printf("machines persistence: write temp failed: %v", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		log.Printf("machines persistence: sync temp failed: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		log.Printf("machines persistence: close temp failed: %v", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		log.Printf("machines persistence: rename failed: %v", err)
		return
	}
}
