package cmis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// CMIS property ids read from object responses.
const (
	PropName            = "cmis:name"
	PropObjectID        = "cmis:objectId"
	PropBaseTypeID      = "cmis:baseTypeId"
	PropMimeType        = "cmis:contentStreamMimeType"
	PropVersionLabel    = "cmis:versionLabel"
	PropVersionSeries   = "cmis:versionSeriesId"
	PropContentLength   = "cmis:contentStreamLength"
	PropAlfrescoNodeRef = "alfcmis:nodeRef"
)

// ObjectType is the base type of a repository object.
type ObjectType int

const (
	TypeOther ObjectType = iota
	TypeDocument
	TypeFolder
)

func (t ObjectType) String() string {
	switch t {
	case TypeDocument:
		return "document"
	case TypeFolder:
		return "folder"
	}
	return "other"
}

// Descriptor is the canonical view of a remote object's metadata. It is
// built fresh for each sync attempt and never mutated.
type Descriptor struct {
	name     string
	objectID string
	mimeType string
	version  string
	nodeID   string
	typ      ObjectType
	size     int64
}

// NewDescriptor builds a descriptor from already-known values.
func NewDescriptor(name, objectID, mimeType, version, nodeID string, typ ObjectType) *Descriptor {
	return &Descriptor{
		name:     name,
		objectID: objectID,
		mimeType: mimeType,
		version:  version,
		nodeID:   nodeID,
		typ:      typ,
	}
}

func (d *Descriptor) Name() string     { return d.name }
func (d *Descriptor) ObjectID() string { return d.objectID }
func (d *Descriptor) MimeType() string { return d.mimeType }
func (d *Descriptor) Version() string  { return d.version }
func (d *Descriptor) NodeID() string   { return d.nodeID }
func (d *Descriptor) Type() ObjectType { return d.typ }
func (d *Descriptor) Size() int64      { return d.size }
func (d *Descriptor) IsFolder() bool   { return d.typ == TypeFolder }
func (d *Descriptor) IsDocument() bool { return d.typ == TypeDocument }

// ObjectGetter fetches object metadata by id.
type ObjectGetter interface {
	GetObject(ctx context.Context, id string) (*Descriptor, error)
}

// LatestVersion re-reads the node and returns its current version label.
// The node id resolves to the latest version, so this observes the label a
// write just produced.
func (d *Descriptor) LatestVersion(ctx context.Context, g ObjectGetter) (string, error) {
	latest, err := g.GetObject(ctx, d.nodeID)
	if err != nil {
		return "", fmt.Errorf("get latest version of %s: %w", d.name, err)
	}
	return latest.version, nil
}

// propertyReader abstracts over the two property shapes of the browser
// binding.
type propertyReader interface {
	value(id string) (any, bool)
}

// succinctProperties: {"cmis:name": "a.txt", ...}
type succinctProperties map[string]any

func (p succinctProperties) value(id string) (any, bool) {
	v, ok := p[id]
	return v, ok
}

// verboseProperties: {"cmis:name": {"id": "cmis:name", "value": "a.txt"}, ...}
type verboseProperties map[string]struct {
	Value any `json:"value"`
}

func (p verboseProperties) value(id string) (any, bool) {
	v, ok := p[id]
	if !ok {
		return nil, false
	}
	return v.Value, true
}

type objectShape struct {
	Succinct   succinctProperties `json:"succinctProperties"`
	Properties verboseProperties  `json:"properties"`
}

// ParseObject decodes a browser-binding object. The property shape is
// detected from the payload: succinctProperties wins when present.
func ParseObject(data []byte) (*Descriptor, error) {
	var shape objectShape
	if err := json.Unmarshal(data, &shape); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}

	var props propertyReader
	switch {
	case shape.Succinct != nil:
		props = shape.Succinct
	case shape.Properties != nil:
		props = shape.Properties
	default:
		return nil, fmt.Errorf("decode object: no properties in response")
	}
	return fromProperties(props)
}

func fromProperties(p propertyReader) (*Descriptor, error) {
	d := &Descriptor{
		name:     stringProp(p, PropName),
		objectID: stringProp(p, PropObjectID),
		mimeType: stringProp(p, PropMimeType),
		version:  stringProp(p, PropVersionLabel),
		size:     intProp(p, PropContentLength),
	}
	if d.objectID == "" {
		return nil, fmt.Errorf("object %q has no %s", d.name, PropObjectID)
	}

	switch stringProp(p, PropBaseTypeID) {
	case "cmis:document":
		d.typ = TypeDocument
	case "cmis:folder":
		d.typ = TypeFolder
	}

	d.nodeID = stringProp(p, PropAlfrescoNodeRef)
	if d.nodeID == "" {
		d.nodeID = stringProp(p, PropVersionSeries)
	}
	if d.nodeID == "" {
		d.nodeID, _, _ = strings.Cut(d.objectID, ";")
	}
	return d, nil
}

// stringProp reads a string property. Multi-valued properties yield their
// first value.
func stringProp(p propertyReader, id string) string {
	v, ok := p.value(id)
	if !ok {
		return ""
	}
	switch tv := v.(type) {
	case string:
		return tv
	case []any:
		if len(tv) > 0 {
			if s, ok := tv[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func intProp(p propertyReader, id string) int64 {
	v, ok := p.value(id)
	if !ok {
		return 0
	}
	if f, ok := v.(float64); ok {
		return int64(f)
	}
	return 0
}
