package capsule

import "testing"

func TestParseYAML(t *testing.T) {
	doc := []byte(`
metadata:
  id: deploy-service
  name: Deploy Service
  version: 1.0.0
steps:
  - id: build
    action: ci.build
  - id: deploy
    action: k8s.apply
    dependsOn: [build]
expectedOutcomes:
  - id: deployed
    stepId: deploy
    required: true
`)

	def, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Metadata.ID != "deploy-service" {
		t.Fatalf("unexpected metadata id: %q", def.Metadata.ID)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(def.Steps))
	}
}

func TestParseJSON(t *testing.T) {
	// JSON is valid YAML, so the same entry point handles a JSON body
	// without a separate code path.
	doc := []byte(`{"metadata":{"id":"deploy-service","name":"Deploy Service","version":"1.0.0"},"steps":[{"id":"build","action":"ci.build"}]}`)

	def, err := Parse(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Metadata.Name != "Deploy Service" {
		t.Fatalf("unexpected metadata name: %q", def.Metadata.Name)
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("metadata: [this is not a mapping"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestParseRejectsStructuralViolation(t *testing.T) {
	doc := []byte(`
metadata:
  id: "Bad ID!"
  name: Deploy Service
  version: 1.0.0
steps:
  - id: build
    action: ci.build
`)

	_, err := Parse(doc)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}
