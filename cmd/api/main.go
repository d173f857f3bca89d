package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"viewingflow/agreement"
	"viewingflow/approval"
	"viewingflow/db"
	"viewingflow/notify"
	"viewingflow/property"
	"viewingflow/token"
	"viewingflow/viewing"
)

func main() {
	ctx := context.Background()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	artifactDir := os.Getenv("ARTIFACT_DIR")
	if artifactDir == "" {
		artifactDir = "artifacts"
	}
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		log.Fatalf("bootstrap artifact dir: %v", err)
	}

	agreementRepo := agreement.NewRepository(pool)
	viewingRepo := viewing.NewRepository(pool)
	propertyRepo := property.NewRepository(pool)
	tokenStore := token.NewPGStore(pool)

	properties := approval.PropertyDirectory{Properties: propertyRepo}
	fallback := notify.NewMemoryLog()
	orchestrator := approval.NewOrchestrator(
		textRenderer{},
		dirArtifactStore{dir: artifactDir},
		agreementRepo,
		notify.NopBus{},
		fallback,
		properties,
		nil,
	)

	agreementService := agreement.NewService(pool, agreementRepo, agreementRepo, viewingRepo, orchestrator)
	viewingService := viewing.NewService(
		pool,
		viewingRepo,
		viewingRepo,
		properties,
		tokenStore,
		tokenStore,
		approval.DisclosureGate{Agreements: agreementRepo},
		nil,
		orchestrator,
	)

	log.Printf("services ready: agreements=%v viewings=%v", agreementService != nil, viewingService != nil)
}

// textRenderer is the bootstrap renderer: a deterministic plain-text artifact.
// Deployments swap in a real template engine behind approval.Renderer.
type textRenderer struct{}

func (textRenderer) RenderDocument(ctx context.Context, kind string, fields map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "document: %s\n", kind)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, fields[k])
	}
	return []byte(b.String()), nil
}

func (textRenderer) OverlaySignature(ctx context.Context, doc []byte, signatureImage []byte, anchor string) ([]byte, error) {
	out := make([]byte, 0, len(doc)+len(signatureImage)+len(anchor)+16)
	out = append(out, doc...)
	out = append(out, []byte(fmt.Sprintf("signed[%s]: ", anchor))...)
	out = append(out, signatureImage...)
	out = append(out, '\n')
	return out, nil
}

// dirArtifactStore writes artifacts to a local directory.
type dirArtifactStore struct {
	dir string
}

func (s dirArtifactStore) Put(ctx context.Context, agreementID string, doc []byte) (string, error) {
	path := filepath.Join(s.dir, agreementID+".txt")
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return "file://" + path, nil
}
