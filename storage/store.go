// Package storage persists learned device state under a per-adapter
// directory. Two files exist per device: info (identity, policy and
// security material, present only for non-temporary devices with a
// public identity) and cache (observed name, SDP records and GATT
// attributes, kept even for devices that never persist).
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"

	btd "github.com/corvid-labs/btd"
)

const (
	infoFilename  = "info.json"
	cacheFilename = "cache.json"
)

// General is the identity and policy group of the info file.
type General struct {
	Name                  string   `json:"name,omitempty"`
	Alias                 string   `json:"alias,omitempty"`
	Class                 uint32   `json:"class,omitempty"`
	Appearance            uint16   `json:"appearance,omitempty"`
	SupportedTechnologies []string `json:"supportedTechnologies"`
	AddressType           string   `json:"addressType"`
	PreferredBearer       string   `json:"preferredBearer,omitempty"`
	LastUsedBearer        string   `json:"lastUsedBearer,omitempty"`
	Trusted               bool     `json:"trusted"`
	Blocked               bool     `json:"blocked"`
	CablePairing          bool     `json:"cablePairing,omitempty"`
	WakeAllowed           bool     `json:"wakeAllowed,omitempty"`
	Services              []string `json:"services,omitempty"`
}

// DeviceID is the PnP identity learned from SDP or DIS.
type DeviceID struct {
	Source  uint16 `json:"source"`
	Vendor  uint16 `json:"vendor"`
	Product uint16 `json:"product"`
	Version uint16 `json:"version"`
}

// SignatureKey is a CSRK with its counter state.
type SignatureKey struct {
	Key           string `json:"key"`
	Counter       uint32 `json:"counter"`
	Authenticated bool   `json:"authenticated"`
}

// LongTermKey is the link encryption key from bonding.
type LongTermKey struct {
	Key     string `json:"key"`
	Central bool   `json:"central"`
	EncSize uint8  `json:"encSize"`
}

// SIRK is one set identity resolving key.
type SIRK struct {
	Key       string `json:"key"`
	Size      uint8  `json:"size"`
	Rank      uint8  `json:"rank"`
	Encrypted bool   `json:"encrypted"`
}

// ServiceChanged keeps the Service Changed CCC descriptors per bearer.
type ServiceChanged struct {
	CCCLE    uint16 `json:"cccLE,omitempty"`
	CCCBREDR uint16 `json:"cccBREDR,omitempty"`
}

// Info is the persistent info file: everything a device is trusted to
// remember across restarts.
type Info struct {
	General            General        `json:"general"`
	DeviceID           *DeviceID      `json:"deviceID,omitempty"`
	LongTermKey        *LongTermKey   `json:"longTermKey,omitempty"`
	LocalSignatureKey  *SignatureKey  `json:"localSignatureKey,omitempty"`
	RemoteSignatureKey *SignatureKey  `json:"remoteSignatureKey,omitempty"`
	SIRKs              []SIRK         `json:"setIdentityResolvingKeys,omitempty"`
	ServiceChanged     ServiceChanged `json:"serviceChanged"`
}

// Cache is the per-device cache file, written even when the device
// itself is not persisted.
type Cache struct {
	Name                    string           `json:"name,omitempty"`
	NameResolvingFailedTime int64            `json:"nameResolvingFailedTime,omitempty"`
	ServiceRecords          []btd.SDPRecord  `json:"serviceRecords,omitempty"`
	Attributes              []btd.Primary    `json:"attributes,omitempty"`
	GattDB                  jsoniter.RawMessage `json:"gattDB,omitempty"`
}

// Store is a per-adapter device store. All methods are safe for
// concurrent use, though the device core serializes its own calls.
type Store struct {
	dir  string
	lock sync.RWMutex
}

// New opens (creating if needed) the store rooted at dir for one
// adapter.
func New(dir string, adapter btd.Addr) (*Store, error) {
	root := filepath.Join(dir, fileSafe(adapter))
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("can't create store directory: %w", err)
	}
	return &Store{dir: root}, nil
}

func fileSafe(a btd.Addr) string {
	return strings.ReplaceAll(strings.ToUpper(a.String()), ":", "_")
}

func (s *Store) devDir(peer btd.Addr) string {
	return filepath.Join(s.dir, fileSafe(peer))
}

// HasInfo reports whether a persistent info file exists for the peer.
func (s *Store) HasInfo(peer btd.Addr) bool {
	s.lock.RLock()
	defer s.lock.RUnlock()

	_, err := os.Stat(filepath.Join(s.devDir(peer), infoFilename))
	return err == nil
}

// StoreInfo writes the info file for a peer.
func (s *Store) StoreInfo(peer btd.Addr, info *Info) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.writeFile(peer, infoFilename, info)
}

// LoadInfo reads the info file for a peer.
func (s *Store) LoadInfo(peer btd.Addr) (*Info, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var info Info
	if err := s.readFile(peer, infoFilename, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StoreCache writes the cache file for a peer.
func (s *Store) StoreCache(peer btd.Addr, cache *Cache) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.writeFile(peer, cacheFilename, cache)
}

// LoadCache reads the cache file for a peer. A missing file yields an
// empty cache.
func (s *Store) LoadCache(peer btd.Addr) (*Cache, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var cache Cache
	err := s.readFile(peer, cacheFilename, &cache)
	if os.IsNotExist(err) {
		return &Cache{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &cache, nil
}

// DeleteInfo removes only the persistent info, keeping the cache.
func (s *Store) DeleteInfo(peer btd.Addr) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	err := os.Remove(filepath.Join(s.devDir(peer), infoFilename))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Delete removes everything stored for a peer.
func (s *Store) Delete(peer btd.Addr) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return os.RemoveAll(s.devDir(peer))
}

// List returns the addresses of all peers with stored state.
func (s *Store) List() ([]btd.Addr, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var out []btd.Addr
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, btd.NewAddr(strings.ReplaceAll(e.Name(), "_", ":")))
	}
	return out, nil
}

func (s *Store) writeFile(peer btd.Addr, name string, v interface{}) error {
	dir := s.devDir(peer)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("can't create device directory: %w", err)
	}

	out, err := jsoniter.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("can't marshal %s: %w", name, err)
	}

	return os.WriteFile(filepath.Join(dir, name), out, 0600)
}

func (s *Store) readFile(peer btd.Addr, name string, v interface{}) error {
	in, err := os.ReadFile(filepath.Join(s.devDir(peer), name))
	if err != nil {
		return err
	}

	if err := jsoniter.Unmarshal(in, v); err != nil {
		return fmt.Errorf("can't unmarshal %s: %w", name, err)
	}
	return nil
}
