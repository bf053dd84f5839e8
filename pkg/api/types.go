package api

// PatchEventType identifies what happened to a patch on a device.
type PatchEventType string

const (
	EventPatchInstallSuccess PatchEventType = "__patch_install__"
	EventPatchInstallFailure PatchEventType = "__patch_install_failure__"
	EventPatchLaunchFailure  PatchEventType = "__patch_launch_failure__"
)

// PatchEvent is one telemetry record about a patch. Events are queued in the
// state file until the server acknowledges them.
type PatchEvent struct {
	AppID          string         `json:"app_id"`
	Arch           string         `json:"arch"`
	ClientID       string         `json:"client_id"`
	Type           PatchEventType `json:"type"`
	PatchNumber    uint64         `json:"patch_number"`
	Platform       string         `json:"platform"`
	ReleaseVersion string         `json:"release_version"`
	Timestamp      int64          `json:"timestamp"`
	Message        string         `json:"message,omitempty"`
}

// CreatePatchEventRequest is the body of POST /api/v1/patches/events.
type CreatePatchEventRequest struct {
	Event PatchEvent `json:"event"`
}

// PatchCheckRequest is the body of POST /api/v1/patches/check. PatchNumber
// is the highest patch this install has seen, omitted when none.
type PatchCheckRequest struct {
	AppID          string  `json:"app_id"`
	Channel        string  `json:"channel"`
	ReleaseVersion string  `json:"release_version"`
	PatchNumber    *uint64 `json:"patch_number,omitempty"`
	Platform       string  `json:"platform"`
	Arch           string  `json:"arch"`
	ClientID       string  `json:"client_id"`
}

// Patch describes a patch the server wants this install to download.
type Patch struct {
	Number        uint64  `json:"number"`
	Hash          string  `json:"hash"`
	HashSignature *string `json:"hash_signature,omitempty"`
	DownloadURL   string  `json:"download_url"`
}

// PatchCheckResponse is the server's answer to a patch check.
type PatchCheckResponse struct {
	PatchAvailable bool   `json:"patch_available"`
	Patch          *Patch `json:"patch"`
}
