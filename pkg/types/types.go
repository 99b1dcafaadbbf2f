// Package types defines the data model shared across the package manager:
// Expectations and their tracked runtime wrappers, Package Containers and
// Accessors, and the EM-side view of a connected Worker.
package types

import "time"

// PackageType identifies which kind of Package an Expectation concerns.
// Content and version are tagged unions keyed by this type rather than
// free-form maps, so each variant's fields are explicit and typed.
type PackageType string

const (
	PackageTypeMediaFile   PackageType = "media_file"
	PackageTypeQuantelClip PackageType = "quantel_clip"
	PackageTypeJSONData    PackageType = "json_data"
)

// MediaFileContent identifies a media file Package by its path.
type MediaFileContent struct {
	FilePath string
}

// MediaFileVersion captures the revision fingerprint of a media file.
type MediaFileVersion struct {
	Size         int64
	ModifiedTime time.Time
	Checksum     string
}

// QuantelClipContent identifies a video-server clip by GUID and/or title.
type QuantelClipContent struct {
	GUID  string
	Title string
}

// QuantelClipVersion captures the revision fingerprint of a video-server clip.
type QuantelClipVersion struct {
	Created time.Time
	CloneID string
}

// JSONDataContent identifies a JSON blob Package by its path.
type JSONDataContent struct {
	Path string
}

// JSONDataVersion captures the revision fingerprint of a JSON blob.
type JSONDataVersion struct {
	ModifiedTime time.Time
	Checksum     string
}

// PackageContent is the identity half of a Package, one variant populated
// according to Type.
type PackageContent struct {
	Type        PackageType
	MediaFile   *MediaFileContent
	QuantelClip *QuantelClipContent
	JSONData    *JSONDataContent
}

// PackageVersion is the revision half of a Package, one variant populated
// according to Type.
type PackageVersion struct {
	Type        PackageType
	MediaFile   *MediaFileVersion
	QuantelClip *QuantelClipVersion
	JSONData    *JSONDataVersion
}

// State is one of the states a TrackedExpectation may be in.
type State string

const (
	StateNew       State = "NEW"
	StateWaiting   State = "WAITING"
	StateReady     State = "READY"
	StateWorking   State = "WORKING"
	StateFulfilled State = "FULFILLED"
	StateRemoved   State = "REMOVED"
	StateRestarted State = "RESTARTED"
	StateAborted   State = "ABORTED"
)

// stateClassRank orders states for evaluation: FULFILLED is cheapest to
// re-verify and frees capacity fastest, so it is evaluated first.
var stateClassRank = map[State]int{
	StateFulfilled: 0,
	StateWorking:   1,
	StateReady:     2,
	StateWaiting:   3,
	StateNew:       4,
	StateRemoved:   5,
	StateRestarted: 6,
	StateAborted:   7,
}

// StateClassRank returns the evaluation-order rank of a state; lower sorts
// first in a snapshot.
func StateClassRank(s State) int {
	if r, ok := stateClassRank[s]; ok {
		return r
	}
	return len(stateClassRank)
}

// Accessor describes one way to reach a PackageContainer.
type AccessorType string

const (
	AccessorLocalFolder     AccessorType = "local_folder"
	AccessorFileShare       AccessorType = "file_share"
	AccessorHTTP            AccessorType = "http"
	AccessorHTTPProxy       AccessorType = "http_proxy"
	AccessorQuantel         AccessorType = "quantel"
	AccessorCorePackageInfo AccessorType = "core_package_info"
	AccessorATEMMediaStore  AccessorType = "atem_media_store"
)

type LocalFolderAccessor struct {
	FolderPath string
}

type FileShareAccessor struct {
	UNCPath  string
	Username string
	Password string
}

type HTTPAccessor struct {
	BaseURL string
}

type QuantelAccessor struct {
	GatewayURL string
	ZoneID     string
}

type CorePackageInfoAccessor struct {
	CoreURL string
}

type ATEMMediaStoreAccessor struct {
	DeviceAddress string
	StorageName   string
}

// Accessor is a single named way to reach a PackageContainer. Exactly one
// variant field is populated, matching Type.
type Accessor struct {
	ID         string
	Type       AccessorType
	AllowRead  bool
	AllowWrite bool

	LocalFolder     *LocalFolderAccessor
	FileShare       *FileShareAccessor
	HTTP            *HTTPAccessor
	Quantel         *QuantelAccessor
	CorePackageInfo *CorePackageInfoAccessor
	ATEMMediaStore  *ATEMMediaStoreAccessor
}

// PackageContainer is a logical place that stores Packages: a folder, a
// share, an HTTP endpoint, or a video-server zone, reachable through one or
// more Accessors.
type PackageContainer struct {
	ID        string
	Label     string
	Accessors map[string]*Accessor
}

// TrackedPackageContainer wraps a PackageContainer with the bookkeeping the
// EM needs to run periodic container-side duties (cron-like cleanup).
type TrackedPackageContainer struct {
	Container   *PackageContainer
	Monitored   bool
	LastCronRun map[string]time.Time // keyed by cron job name
}

// Requirement names the Package Containers and accessors an Expectation
// reads from (startRequirement) or writes to (endRequirement).
type Requirement struct {
	ContainerID string
	AccessorID  string
}

// Expectation is an immutable-by-id declarative record produced upstream.
type Expectation struct {
	ID                   string
	Priority              int
	Type                 PackageType
	Content              PackageContent
	Version              PackageVersion
	StatusReport         bool
	StartRequirement     []Requirement
	EndRequirement       []Requirement
	WorkOptions          map[string]string
	DependsOnFulfilled   []string
	TriggerByFulfilledIDs []string

	// ContentVersionHash is computed by the ingest step over {Content, Version}
	// via pkg/packagehash; it is what detects a changed definition.
	ContentVersionHash string
}

// Reason is a {user, tech} pair surfaced on every transition: user is safe
// for operator UIs, tech carries diagnostic context.
type Reason struct {
	User string
	Tech string
}

// Status is the EM's best-known picture of an Expectation's progress.
type Status struct {
	SourceExists      *bool
	TargetExists      *bool
	WorkProgress      *float64
	ActualVersionHash string
}

// Session is a per-evaluation scratch area, cleared between evaluations.
type Session struct {
	AssignedWorker                string
	TriggerOtherExpectationsAgain bool
	ExpectationCanBeRemoved       bool
	WorkInProgressID              string
}

// TrackedExpectation is the EM's mutable wrapper around an Expectation.
type TrackedExpectation struct {
	Exp    Expectation
	State  State
	Reason Reason
	Status Status

	LastEvaluationTime time.Time
	NextEvaluationTime time.Time

	AvailableWorkers    map[string]struct{}
	QueriedWorkers      map[string]time.Time
	NoAvailableWorkersReason string

	Session Session

	ErrorCount int
	LastError  error

	// LastFulfillingWorker remembers who fulfilled this Expectation, so
	// re-verification prefers asking the same worker first.
	LastFulfillingWorker string

	Dirty bool
}

// WorkerAgent is the EM-side view of a connected Worker.
type WorkerAgent struct {
	ID                 string
	Capabilities       []PackageType
	Connected          bool
	LastSeen           time.Time
	CurrentAssignments map[string]struct{}
	Cost               float64
	ConcurrencyLimit   int
}

// AssignmentCount returns how many Expectations are currently assigned to
// this worker.
func (w *WorkerAgent) AssignmentCount() int {
	return len(w.CurrentAssignments)
}

// IsIdle reports whether the worker has spare capacity under its declared
// concurrency limit.
func (w *WorkerAgent) IsIdle() bool {
	if w.ConcurrencyLimit <= 0 {
		return true
	}
	return w.AssignmentCount() < w.ConcurrencyLimit
}

// StatusUpdate is what the EM enqueues for publication upstream after every
// transition.
type StatusUpdate struct {
	ID         string
	State      State
	Reason     Reason
	Status     Status
	StatusInfo string
	Progress   *float64
	IsError    bool
	Timestamp  time.Time
}
