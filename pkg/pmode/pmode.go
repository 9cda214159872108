// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package pmode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// MEP is a Message Exchange Pattern URI
type MEP string

const (
	MEPOneWay MEP = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay"
	MEPTwoWay MEP = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/twoWay"
)

// MEPBinding is a MEP channel binding URI
type MEPBinding string

const (
	BindingPush        MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push"
	BindingPull        MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull"
	BindingPushAndPush MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pushAndPush"
	BindingPushAndPull MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pushAndPull"
	BindingPullAndPush MEPBinding = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pullAndPush"
)

// IsPull reports whether the first leg is pulled by the responder.
func (b MEPBinding) IsPull() bool {
	return b == BindingPull || b == BindingPullAndPush
}

// SecurityProfile selects a default algorithm suite
type SecurityProfile string

const (
	// ProfileEDelivery uses EU eDelivery AS4 algorithms
	ProfileEDelivery SecurityProfile = "edelivery"
	// ProfileDomibus uses the algorithms Domibus accepts
	ProfileDomibus SecurityProfile = "domibus"
	// ProfileCustom leaves every algorithm to the P-Mode
	ProfileCustom SecurityProfile = "custom"
)

// Algorithm URIs accepted in P-Mode security sections
const (
	AlgoRSASHA256     = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgoRSASHA512     = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	HashSHA256        = "http://www.w3.org/2001/04/xmlenc#sha256"
	HashSHA512        = "http://www.w3.org/2001/04/xmlenc#sha512"
	KeyAlgoRSAOAEP    = "http://www.w3.org/2009/xmlenc11#rsa-oaep"
	DataAlgoAES128GCM = "http://www.w3.org/2009/xmlenc11#aes128-gcm"
	DataAlgoAES256GCM = "http://www.w3.org/2009/xmlenc11#aes256-gcm"
)

// ErrInvalidPMode is returned for P-Modes that fail validation
var ErrInvalidPMode = errors.New("invalid pmode")

// ProcessingMode represents an AS4 Processing Mode configuration
type ProcessingMode struct {
	ID         string     `yaml:"id"`
	MEP        MEP        `yaml:"mep"`
	MEPBinding MEPBinding `yaml:"mepBinding"`
	Agreement  *Agreement `yaml:"agreement,omitempty"`
	Initiator  *Party     `yaml:"initiator,omitempty"`
	Responder  *Party     `yaml:"responder,omitempty"`

	BusinessInfo BusinessInfo `yaml:"businessInfo"`
	Protocol     *Protocol    `yaml:"protocol,omitempty"`
	Security     *Security    `yaml:"security,omitempty"`

	ReceptionAwareness *ReceptionAwareness `yaml:"receptionAwareness,omitempty"`
	PayloadService     *PayloadService     `yaml:"payloadService,omitempty"`
	ErrorHandling      *ErrorHandling      `yaml:"errorHandling,omitempty"`
}

// Agreement contains agreement reference information
type Agreement struct {
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"`
}

// Party identifies one side of the exchange
type Party struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type,omitempty"`
	Role string `yaml:"role,omitempty"`
}

// Protocol contains transport parameters
type Protocol struct {
	Address     string `yaml:"address"`
	SOAPVersion string `yaml:"soapVersion,omitempty"`
}

// BusinessInfo contains business-level message information
type BusinessInfo struct {
	Service     string     `yaml:"service"`
	ServiceType string     `yaml:"serviceType,omitempty"`
	Action      string     `yaml:"action"`
	MPC         string     `yaml:"mpc,omitempty"`
	Properties  []Property `yaml:"properties,omitempty"`
}

// Property represents a message property the P-Mode requires
type Property struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type,omitempty"`
	Required bool   `yaml:"required,omitempty"`
}

// Security contains WS-Security parameters
type Security struct {
	Profile     SecurityProfile   `yaml:"profile,omitempty"`
	Sign        *SignConfig       `yaml:"sign,omitempty"`
	Encryption  *EncryptionConfig `yaml:"encryption,omitempty"`
	SendReceipt *SendReceipt      `yaml:"sendReceipt,omitempty"`
}

// SignConfig contains signing configuration
type SignConfig struct {
	Algorithm    string `yaml:"algorithm,omitempty"`
	HashFunction string `yaml:"hashFunction,omitempty"`
	// CertificateFile is the partner certificate used to verify inbound
	// signatures. Empty means the embedded token is checked against the
	// trust store.
	CertificateFile string `yaml:"certificateFile,omitempty"`
}

// EncryptionConfig contains encryption configuration
type EncryptionConfig struct {
	Algorithm       string `yaml:"algorithm,omitempty"`
	DataEncryption  string `yaml:"dataEncryption,omitempty"`
	CertificateFile string `yaml:"certificateFile"`
}

// SendReceipt contains receipt sending configuration
type SendReceipt struct {
	ReplyPattern   string `yaml:"replyPattern,omitempty"` // "response" or "callback"
	NonRepudiation bool   `yaml:"nonRepudiation"`
}

// ReceptionAwareness contains reliability parameters
type ReceptionAwareness struct {
	Enabled            bool                      `yaml:"enabled"`
	Retry              *RetryConfig              `yaml:"retry,omitempty"`
	DuplicateDetection *DuplicateDetectionConfig `yaml:"duplicateDetection,omitempty"`
}

// RetryConfig contains retry parameters
type RetryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	MaxRetries    int           `yaml:"maxRetries"`
	RetryInterval time.Duration `yaml:"retryInterval"`
}

// DuplicateDetectionConfig contains duplicate detection parameters
type DuplicateDetectionConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window"`
}

// ErrorHandling contains error reporting configuration
type ErrorHandling struct {
	AsResponse                     bool `yaml:"asResponse"`
	DeliveryFailuresNotifyProducer bool `yaml:"deliveryFailuresNotifyProducer"`
}

// PayloadService contains payload handling configuration
type PayloadService struct {
	CompressionType string `yaml:"compressionType,omitempty"` // "application/gzip" or empty
}

// Validate checks the fields every exchange needs.
func (pm *ProcessingMode) Validate() error {
	if pm == nil {
		return fmt.Errorf("%w: nil pmode", ErrInvalidPMode)
	}
	if strings.TrimSpace(pm.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPMode)
	}
	switch pm.MEP {
	case "", MEPOneWay, MEPTwoWay:
	default:
		return fmt.Errorf("%w: %s: unknown mep %s", ErrInvalidPMode, pm.ID, pm.MEP)
	}
	switch pm.MEPBinding {
	case "", BindingPush, BindingPull, BindingPushAndPush, BindingPushAndPull, BindingPullAndPush:
	default:
		return fmt.Errorf("%w: %s: unknown binding %s", ErrInvalidPMode, pm.ID, pm.MEPBinding)
	}
	if !pm.MEPBinding.IsPull() && pm.Protocol != nil && pm.Protocol.Address == "" {
		return fmt.Errorf("%w: %s: push binding needs a protocol address", ErrInvalidPMode, pm.ID)
	}
	if ra := pm.ReceptionAwareness; ra != nil && ra.Retry != nil && ra.Retry.Enabled {
		if ra.Retry.MaxRetries < 0 || ra.Retry.RetryInterval <= 0 {
			return fmt.Errorf("%w: %s: retry needs maxRetries >= 0 and a positive interval", ErrInvalidPMode, pm.ID)
		}
	}
	if s := pm.Security; s != nil && s.Encryption != nil && s.Encryption.CertificateFile == "" {
		return fmt.Errorf("%w: %s: encryption needs a certificate", ErrInvalidPMode, pm.ID)
	}
	return nil
}

// applyDefaults fills MEP and binding.
func (pm *ProcessingMode) applyDefaults() {
	if pm.MEP == "" {
		pm.MEP = MEPOneWay
	}
	if pm.MEPBinding == "" {
		pm.MEPBinding = BindingPush
	}
}

// SignatureAlgorithm returns the configured signature method or the profile default.
func (pm *ProcessingMode) SignatureAlgorithm() string {
	if pm.Security != nil && pm.Security.Sign != nil && pm.Security.Sign.Algorithm != "" {
		return pm.Security.Sign.Algorithm
	}
	return AlgoRSASHA256
}

// DigestAlgorithm returns the configured digest method or the profile default.
func (pm *ProcessingMode) DigestAlgorithm() string {
	if pm.Security != nil && pm.Security.Sign != nil && pm.Security.Sign.HashFunction != "" {
		return pm.Security.Sign.HashFunction
	}
	return HashSHA256
}

// DataEncryptionAlgorithm returns the attachment cipher, AES-128-GCM unless
// the P-Mode or its profile asks otherwise.
func (pm *ProcessingMode) DataEncryptionAlgorithm() string {
	if pm.Security != nil && pm.Security.Encryption != nil && pm.Security.Encryption.DataEncryption != "" {
		return pm.Security.Encryption.DataEncryption
	}
	return DataAlgoAES128GCM
}

// SignsMessages reports whether outbound messages are signed.
func (pm *ProcessingMode) SignsMessages() bool {
	return pm.Security != nil && (pm.Security.Sign != nil || pm.Security.Profile == ProfileEDelivery)
}

// EncryptsMessages reports whether outbound attachments are encrypted.
func (pm *ProcessingMode) EncryptsMessages() bool {
	return pm.Security != nil && pm.Security.Encryption != nil
}

// WantsNonRepudiation reports whether receipts carry non-repudiation information.
func (pm *ProcessingMode) WantsNonRepudiation() bool {
	return pm.Security != nil && pm.Security.SendReceipt != nil && pm.Security.SendReceipt.NonRepudiation
}

// Compresses reports whether outbound attachments are compressed.
func (pm *ProcessingMode) Compresses() bool {
	return pm.PayloadService != nil && pm.PayloadService.CompressionType != ""
}

// PModeManager manages processing modes
type PModeManager struct {
	mu     sync.RWMutex
	pmodes map[string]*ProcessingMode
}

// NewPModeManager creates a new P-Mode manager
func NewPModeManager() *PModeManager {
	return &PModeManager{
		pmodes: make(map[string]*ProcessingMode),
	}
}

// AddPMode validates and adds a processing mode, replacing one with the same id.
func (m *PModeManager) AddPMode(pm *ProcessingMode) error {
	if err := pm.Validate(); err != nil {
		return err
	}
	pm.applyDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pmodes[pm.ID] = pm
	return nil
}

// GetPMode retrieves a processing mode by ID
func (m *PModeManager) GetPMode(id string) *ProcessingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pmodes[id]
}

// RemovePMode removes a processing mode
func (m *PModeManager) RemovePMode(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pmodes, id)
}

// IDs returns the ids of all P-Modes in sorted order.
func (m *PModeManager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.pmodes))
	for id := range m.pmodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FindPMode finds the P-Mode for service and action. Parties are compared
// case-insensitively when the P-Mode names them; an empty party argument
// matches any P-Mode party.
func (m *PModeManager) FindPMode(service, action, fromParty, toParty string) *ProcessingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.pmodes))
	for id := range m.pmodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		pm := m.pmodes[id]
		if pm.BusinessInfo.Service != service || pm.BusinessInfo.Action != action {
			continue
		}
		if !partyMatches(pm.Initiator, fromParty) || !partyMatches(pm.Responder, toParty) {
			continue
		}
		return pm
	}
	return nil
}

// FindPullPMode returns the P-Mode whose pull binding serves mpc.
func (m *PModeManager) FindPullPMode(mpc string) *ProcessingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pm := range m.pmodes {
		if pm.MEPBinding.IsPull() && pm.BusinessInfo.MPC == mpc {
			return pm
		}
	}
	return nil
}

func partyMatches(p *Party, id string) bool {
	return p == nil || id == "" || strings.EqualFold(p.ID, id)
}

// LoadFile reads one or more P-Modes from a YAML file. A file may hold a
// single P-Mode or a list under the "pmodes" key.
func (m *PModeManager) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read pmode file: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var list struct {
		PModes []*ProcessingMode `yaml:"pmodes"`
	}
	if err := yaml.Unmarshal(data, &list); err != nil {
		return 0, fmt.Errorf("failed to parse pmode file %s: %w", path, err)
	}
	if len(list.PModes) == 0 {
		var single ProcessingMode
		if err := yaml.Unmarshal(data, &single); err != nil {
			return 0, fmt.Errorf("failed to parse pmode file %s: %w", path, err)
		}
		list.PModes = []*ProcessingMode{&single}
	}
	for _, pm := range list.PModes {
		if err := m.AddPMode(pm); err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
	}
	return len(list.PModes), nil
}

// LoadDir loads every *.yaml and *.yml file of dir.
func (m *PModeManager) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read pmode directory: %w", err)
	}
	total := 0
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		n, err := m.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DefaultPMode creates a default one-way push P-Mode
func DefaultPMode() *ProcessingMode {
	return &ProcessingMode{
		ID:         "default-pmode",
		MEP:        MEPOneWay,
		MEPBinding: BindingPush,
		Protocol: &Protocol{
			Address:     "https://receiver.example.com/as4",
			SOAPVersion: "1.2",
		},
		Security: &Security{
			Profile: ProfileEDelivery,
			Sign: &SignConfig{
				Algorithm:    AlgoRSASHA256,
				HashFunction: HashSHA256,
			},
			SendReceipt: &SendReceipt{
				ReplyPattern:   "response",
				NonRepudiation: true,
			},
		},
		ReceptionAwareness: &ReceptionAwareness{
			Enabled: true,
			Retry: &RetryConfig{
				Enabled:       true,
				MaxRetries:    3,
				RetryInterval: time.Minute,
			},
			DuplicateDetection: &DuplicateDetectionConfig{
				Enabled: true,
				Window:  24 * time.Hour,
			},
		},
		PayloadService: &PayloadService{
			CompressionType: "application/gzip",
		},
	}
}
