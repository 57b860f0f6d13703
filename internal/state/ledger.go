// Package state provides the deployment ledger: one record per provisioning
// stage with the resource handles it produced. The ledger is what makes a
// rerun resumable and what the cleanup runner tears down.
package state

import (
	"errors"
	"fmt"
	"time"
)

// LedgerVersion is the on-disk schema version
const LedgerVersion = "1"

// ErrNotFound is returned by backends when no ledger exists for a deployment
var ErrNotFound = errors.New("ledger not found")

// StageStatus is the lifecycle status of a stage
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusDone       StageStatus = "done"
	StatusFailed     StageStatus = "failed"
)

// Kind is the type of a provisioned resource
type Kind string

const (
	KindCluster        Kind = "cluster"
	KindKeyPair        Kind = "key-pair"
	KindDBInstance     Kind = "db-instance"
	KindDBSubnetGroup  Kind = "db-subnet-group"
	KindSecurityGroup  Kind = "security-group"
	KindSecret         Kind = "secret"
	KindFileSystem     Kind = "filesystem"
	KindMountTarget    Kind = "mount-target"
	KindBucket         Kind = "bucket"
	KindAddon          Kind = "addon"
	KindServiceAccount Kind = "service-account"
	KindNamespace      Kind = "namespace"
	KindK8sSecret      Kind = "k8s-secret"
	KindPV             Kind = "persistent-volume"
	KindPVC            Kind = "persistent-volume-claim"
	KindDeployment     Kind = "deployment"
	KindService        Kind = "service"
	KindIngress        Kind = "ingress"
	KindHPA            Kind = "hpa"
	KindDNSRecord      Kind = "dns-record"
)

// Well-known handle attribute keys
const (
	AttrEndpoint        = "endpoint"
	AttrPort            = "port"
	AttrVPCID           = "vpcId"
	AttrClusterSG       = "clusterSecurityGroupId"
	AttrSecretARN       = "secretArn"
	AttrHostname        = "hostname"
	AttrNamespace       = "namespace"
	AttrZoneID          = "zoneId"
	AttrRecordName      = "recordName"
	AttrRecordType      = "recordType"
	AttrAliasTarget     = "aliasTarget"
	AttrAliasZoneID     = "aliasZoneId"
	AttrFileSystemID    = "fileSystemId"
	AttrSubnetID        = "subnetId"
	AttrPurpose         = "purpose"
	AttrCertificateData = "certificateAuthority"
	AttrKeyFile         = "keyFile"
	AttrChart           = "chart"
	AttrVersion         = "version"
)

// ResourceHandle identifies one provisioned resource
type ResourceHandle struct {
	Kind       Kind              `json:"kind"`
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	// Adopted is true when the resource already existed and was not created by this tool
	Adopted bool `json:"adopted,omitempty"`
}

// Key is the identity of a handle within a ledger
func (h ResourceHandle) Key() string {
	return string(h.Kind) + "/" + h.ID
}

// Attr returns an attribute or ""
func (h ResourceHandle) Attr(key string) string {
	if h.Attributes == nil {
		return ""
	}
	return h.Attributes[key]
}

// SetAttr sets one attribute on a fresh copy of the attribute map, so a
// handle already recorded never changes through a shared map
func (h *ResourceHandle) SetAttr(key, value string) {
	attrs := make(map[string]string, len(h.Attributes)+1)
	for k, v := range h.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	h.Attributes = attrs
}

func (h ResourceHandle) String() string {
	if h.Name != "" && h.Name != h.ID {
		return fmt.Sprintf("%s %s (%s)", h.Kind, h.Name, h.ID)
	}
	return fmt.Sprintf("%s %s", h.Kind, h.ID)
}

// StageState records the progress of one stage
type StageState struct {
	ID         string           `json:"id"`
	Status     StageStatus      `json:"status"`
	Handles    []ResourceHandle `json:"handles,omitempty"`
	Attempts   int              `json:"attempts,omitempty"`
	StartedAt  *time.Time       `json:"startedAt,omitempty"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  string           `json:"errorKind,omitempty"`
}

// Handle returns the first handle of the given kind recorded by the stage
func (s *StageState) Handle(kind Kind) (ResourceHandle, bool) {
	for _, h := range s.Handles {
		if h.Kind == kind {
			return h, true
		}
	}
	return ResourceHandle{}, false
}

// Ledger is the persisted record of a deployment
type Ledger struct {
	Version     string        `json:"version"`
	Name        string        `json:"name"`
	Seed        string        `json:"seed"`
	Region      string        `json:"region"`
	ClusterName string        `json:"clusterName"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	Stages      []*StageState `json:"stages"`

	now func() time.Time
}

// NewLedger creates an empty ledger with one pending record per stage id
func NewLedger(name, seed, region, clusterName string, stageIDs []string) *Ledger {
	l := &Ledger{
		Version:     LedgerVersion,
		Name:        name,
		Seed:        seed,
		Region:      region,
		ClusterName: clusterName,
	}
	l.CreatedAt = l.clock()
	l.UpdatedAt = l.CreatedAt
	l.EnsureStages(stageIDs)
	return l
}

// SetClock overrides the time source, for tests
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Ledger) clock() time.Time {
	if l.now != nil {
		return l.now().UTC()
	}
	return time.Now().UTC()
}

// EnsureStages adds pending records for stage ids the ledger does not know
// yet and orders the records to match stageIDs. Unknown extra records are
// kept at the end so their handles remain visible to cleanup.
func (l *Ledger) EnsureStages(stageIDs []string) {
	byID := make(map[string]*StageState, len(l.Stages))
	for _, s := range l.Stages {
		byID[s.ID] = s
	}

	ordered := make([]*StageState, 0, len(stageIDs))
	seen := make(map[string]bool, len(stageIDs))
	for _, id := range stageIDs {
		s, ok := byID[id]
		if !ok {
			s = &StageState{ID: id, Status: StatusPending}
		}
		ordered = append(ordered, s)
		seen[id] = true
	}
	for _, s := range l.Stages {
		if !seen[s.ID] {
			ordered = append(ordered, s)
		}
	}
	l.Stages = ordered
}

// Stage returns the record for a stage id, or nil
func (l *Ledger) Stage(id string) *StageState {
	for _, s := range l.Stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (l *Ledger) mustStage(id string) *StageState {
	s := l.Stage(id)
	if s == nil {
		s = &StageState{ID: id, Status: StatusPending}
		l.Stages = append(l.Stages, s)
	}
	return s
}

// Begin marks a stage in progress
func (l *Ledger) Begin(id string) {
	s := l.mustStage(id)
	now := l.clock()
	s.Status = StatusInProgress
	s.StartedAt = &now
	s.FinishedAt = nil
	s.Error = ""
	s.ErrorKind = ""
	s.Attempts++
	l.UpdatedAt = now
}

// MarkAdopted flips a handle recorded as created to adopted, for a create
// that turned out to race with someone else's
func (l *Ledger) MarkAdopted(id string, kind Kind, handleID string) bool {
	s := l.mustStage(id)
	for i := range s.Handles {
		if s.Handles[i].Kind == kind && s.Handles[i].ID == handleID {
			s.Handles[i].Adopted = true
			l.UpdatedAt = l.clock()
			return true
		}
	}
	return false
}

// Record adds or replaces a handle on a stage. A handle with the same kind
// and id replaces the earlier one so reruns never duplicate entries;
// attributes the new handle does not set are carried over.
func (l *Ledger) Record(id string, h ResourceHandle) {
	s := l.mustStage(id)
	if h.CreatedAt.IsZero() {
		h.CreatedAt = l.clock()
	}
	for i := range s.Handles {
		if s.Handles[i].Key() == h.Key() {
			if h.Adopted && !s.Handles[i].Adopted {
				// a resource we created stays ours across reruns
				h.Adopted = false
				h.CreatedAt = s.Handles[i].CreatedAt
			}
			for k, v := range s.Handles[i].Attributes {
				if _, ok := h.Attributes[k]; ok {
					continue
				}
				if h.Attributes == nil {
					h.Attributes = make(map[string]string)
				}
				h.Attributes[k] = v
			}
			s.Handles[i] = h
			l.UpdatedAt = l.clock()
			return
		}
	}
	s.Handles = append(s.Handles, h)
	l.UpdatedAt = l.clock()
}

// Complete marks a stage done
func (l *Ledger) Complete(id string) {
	s := l.mustStage(id)
	now := l.clock()
	s.Status = StatusDone
	s.FinishedAt = &now
	s.Error = ""
	s.ErrorKind = ""
	l.UpdatedAt = now
}

// Fail marks a stage failed with the error and its kind
func (l *Ledger) Fail(id string, kind string, err error) {
	s := l.mustStage(id)
	now := l.clock()
	s.Status = StatusFailed
	s.FinishedAt = &now
	s.ErrorKind = kind
	if err != nil {
		s.Error = err.Error()
	}
	l.UpdatedAt = now
}

// Reset returns a stage to pending, keeping its handles
func (l *Ledger) Reset(id string) {
	s := l.Stage(id)
	if s == nil {
		return
	}
	s.Status = StatusPending
	s.StartedAt = nil
	s.FinishedAt = nil
	s.Error = ""
	s.ErrorKind = ""
	l.UpdatedAt = l.clock()
}

// Handles returns all handles in stage order
func (l *Ledger) Handles() []ResourceHandle {
	var out []ResourceHandle
	for _, s := range l.Stages {
		out = append(out, s.Handles...)
	}
	return out
}

// HandlesOf returns all handles of a kind in stage order
func (l *Ledger) HandlesOf(kind Kind) []ResourceHandle {
	var out []ResourceHandle
	for _, s := range l.Stages {
		for _, h := range s.Handles {
			if h.Kind == kind {
				out = append(out, h)
			}
		}
	}
	return out
}

// Find returns the first handle of a kind, searching every stage
func (l *Ledger) Find(kind Kind) (ResourceHandle, bool) {
	hs := l.HandlesOf(kind)
	if len(hs) == 0 {
		return ResourceHandle{}, false
	}
	return hs[0], true
}

// StageOf returns the id of the stage that recorded h, or ""
func (l *Ledger) StageOf(h ResourceHandle) string {
	for _, s := range l.Stages {
		for _, x := range s.Handles {
			if x.Key() == h.Key() {
				return s.ID
			}
		}
	}
	return ""
}

// Forget removes a handle from whichever stage recorded it. A stage left
// without handles goes back to pending.
func (l *Ledger) Forget(h ResourceHandle) bool {
	for _, s := range l.Stages {
		for i := range s.Handles {
			if s.Handles[i].Key() != h.Key() {
				continue
			}
			s.Handles = append(s.Handles[:i], s.Handles[i+1:]...)
			if len(s.Handles) == 0 {
				s.Status = StatusPending
				s.StartedAt = nil
				s.FinishedAt = nil
				s.Error = ""
				s.ErrorKind = ""
			} else if s.Status == StatusDone {
				s.Status = StatusPending
			}
			l.UpdatedAt = l.clock()
			return true
		}
	}
	return false
}

// Empty reports whether no handles remain
func (l *Ledger) Empty() bool {
	for _, s := range l.Stages {
		if len(s.Handles) > 0 {
			return false
		}
	}
	return true
}

// Counts returns the number of stages per status
func (l *Ledger) Counts() map[StageStatus]int {
	counts := make(map[StageStatus]int)
	for _, s := range l.Stages {
		counts[s.Status]++
	}
	return counts
}

// Clone returns a deep copy
func (l *Ledger) Clone() *Ledger {
	c := *l
	c.Stages = make([]*StageState, len(l.Stages))
	for i, s := range l.Stages {
		cs := *s
		cs.Handles = make([]ResourceHandle, len(s.Handles))
		for j, h := range s.Handles {
			ch := h
			if h.Attributes != nil {
				ch.Attributes = make(map[string]string, len(h.Attributes))
				for k, v := range h.Attributes {
					ch.Attributes[k] = v
				}
			}
			cs.Handles[j] = ch
		}
		c.Stages[i] = &cs
	}
	return &c
}
