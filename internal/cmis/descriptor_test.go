package cmis

import "testing"

func TestParseObject_Shapes(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{
			name: "succinct",
			json: `{"succinctProperties": {
				"cmis:name": "report.pdf",
				"cmis:objectId": "abc;1.2",
				"cmis:baseTypeId": "cmis:document",
				"cmis:contentStreamMimeType": "application/pdf",
				"cmis:contentStreamLength": 2048,
				"cmis:versionLabel": "1.2",
				"cmis:versionSeriesId": "abc",
				"alfcmis:nodeRef": "workspace://SpacesStore/abc"
			}}`,
		},
		{
			name: "verbose",
			json: `{"properties": {
				"cmis:name": {"id": "cmis:name", "type": "string", "value": "report.pdf"},
				"cmis:objectId": {"id": "cmis:objectId", "value": "abc;1.2"},
				"cmis:baseTypeId": {"value": "cmis:document"},
				"cmis:contentStreamMimeType": {"value": "application/pdf"},
				"cmis:contentStreamLength": {"value": 2048},
				"cmis:versionLabel": {"value": "1.2"},
				"cmis:versionSeriesId": {"value": "abc"},
				"alfcmis:nodeRef": {"value": "workspace://SpacesStore/abc"}
			}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseObject([]byte(tt.json))
			if err != nil {
				t.Fatalf("ParseObject: %v", err)
			}
			if d.Name() != "report.pdf" {
				t.Errorf("Name = %q", d.Name())
			}
			if d.ObjectID() != "abc;1.2" {
				t.Errorf("ObjectID = %q", d.ObjectID())
			}
			if d.MimeType() != "application/pdf" {
				t.Errorf("MimeType = %q", d.MimeType())
			}
			if d.Version() != "1.2" {
				t.Errorf("Version = %q", d.Version())
			}
			if d.NodeID() != "workspace://SpacesStore/abc" {
				t.Errorf("NodeID = %q", d.NodeID())
			}
			if !d.IsDocument() || d.IsFolder() || d.Type() != TypeDocument {
				t.Errorf("Type = %s", d.Type())
			}
			if d.Size() != 2048 {
				t.Errorf("Size = %d", d.Size())
			}
		})
	}
}

func TestParseObject_NodeIDFallbacks(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{
			name: "version series",
			json: `{"succinctProperties": {"cmis:objectId": "abc;2.0", "cmis:versionSeriesId": "series-1"}}`,
			want: "series-1",
		},
		{
			name: "object id without version suffix",
			json: `{"succinctProperties": {"cmis:objectId": "abc;2.0"}}`,
			want: "abc",
		},
		{
			name: "folder object id",
			json: `{"succinctProperties": {"cmis:objectId": "folder-1", "cmis:baseTypeId": "cmis:folder"}}`,
			want: "folder-1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := ParseObject([]byte(tt.json))
			if err != nil {
				t.Fatalf("ParseObject: %v", err)
			}
			if d.NodeID() != tt.want {
				t.Errorf("NodeID = %q, want %q", d.NodeID(), tt.want)
			}
		})
	}
}

func TestParseObject_MultiValued(t *testing.T) {
	d, err := ParseObject([]byte(`{"succinctProperties": {"cmis:objectId": ["x"], "cmis:name": ["first", "second"]}}`))
	if err != nil {
		t.Fatalf("ParseObject: %v", err)
	}
	if d.Name() != "first" || d.ObjectID() != "x" {
		t.Errorf("got name=%q id=%q", d.Name(), d.ObjectID())
	}
}

func TestParseObject_Errors(t *testing.T) {
	for name, payload := range map[string]string{
		"invalid json":  `{`,
		"no properties": `{"allowableActions": {}}`,
		"no object id":  `{"succinctProperties": {"cmis:name": "a.txt"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseObject([]byte(payload)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
