package transport

import "github.com/pipeline-cache/assetcache"

// op names the operation a request frame carries.
type op string

const (
	opPut  op = "put"
	opGet  op = "get"
	opInfo op = "info"
)

// fileSpec names one kind file within a put request, in the order its
// bytes appear in the frame body.
type fileSpec struct {
	Kind assetcache.Kind `json:"kind"`
	Size int64           `json:"size"`
}

// requestHeader is the JSON header of every request frame. Op selects
// which of the remaining fields apply.
type requestHeader struct {
	Op    op              `json:"op"`
	GUID  string          `json:"guid"`
	Hash  string          `json:"hash"`
	Kind  assetcache.Kind `json:"kind,omitempty"`
	Files []fileSpec      `json:"files,omitempty"`
}

// responseHeader is the JSON header of every response frame. A body
// follows only for a successful opGet.
type responseHeader struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Size  int64  `json:"size,omitempty"`
}
