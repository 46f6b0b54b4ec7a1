//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	domain "github.com/tezmarket/api/internal/domain"
	pconfig "github.com/tezmarket/api/internal/platform/config"
	pfirestore "github.com/tezmarket/api/internal/platform/firestore"
	"github.com/tezmarket/api/internal/repositories"
)

func TestInventoryRepositoryIntegration(t *testing.T) {
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}

	ensureDockerDaemon(t)

	port := freePort(t)
	endpoint := fmt.Sprintf("127.0.0.1:%d", port)
	containerID := startFirestoreEmulator(t, port)
	t.Cleanup(func() { stopContainer(containerID) })

	waitForEndpoint(t, endpoint, 30*time.Second)

	cfg := pconfig.FirestoreConfig{
		ProjectID:    "inventory-test",
		EmulatorHost: endpoint,
	}

	provider := pfirestore.NewProvider(cfg)
	t.Cleanup(func() {
		_ = provider.Close(context.Background())
	})

	repo, err := NewInventoryRepository(provider)
	if err != nil {
		t.Fatalf("new inventory repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)

	added, err := repo.ApplyMovement(ctx, repositories.ApplyMovementRequest{
		SKU:            "SKU-001",
		ProductID:      "prod_001",
		VendorID:       "ven_1",
		BranchID:       "br_1",
		Type:           domain.MovementAdded,
		QuantityChange: 10,
		RefType:        domain.MovementRefManual,
		RefID:          "restock-1",
		ActorID:        "va-1",
		SellingPrice:   500,
		Currency:       "usd",
		Now:            now,
	})
	if err != nil {
		t.Fatalf("apply addition: %v", err)
	}
	if added.QuantityBefore != 0 || added.QuantityAfter != 10 {
		t.Fatalf("unexpected addition ledger row: %+v", added)
	}

	removed, err := repo.ApplyMovement(ctx, repositories.ApplyMovementRequest{
		SKU:            "SKU-001",
		Type:           domain.MovementRemoved,
		QuantityChange: -4,
		RefType:        domain.MovementRefOrder,
		RefID:          "ord_seed",
		ActorID:        "sys",
		Now:            now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("apply removal: %v", err)
	}
	if removed.QuantityBefore != 10 || removed.QuantityAfter != 6 {
		t.Fatalf("unexpected removal ledger row: %+v", removed)
	}

	target := 9
	adjusted, err := repo.ApplyMovement(ctx, repositories.ApplyMovementRequest{
		SKU:            "SKU-001",
		Type:           domain.MovementAdjusted,
		TargetQuantity: &target,
		RefType:        domain.MovementRefManual,
		RefID:          "audit-1",
		ActorID:        "va-1",
		Now:            now.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("apply adjustment: %v", err)
	}
	if adjusted.QuantityChange != 3 || adjusted.QuantityAfter != 9 {
		t.Fatalf("unexpected adjustment ledger row: %+v", adjusted)
	}

	var invErr *repositories.InventoryError

	_, err = repo.ApplyMovement(ctx, repositories.ApplyMovementRequest{
		SKU:            "SKU-001",
		Type:           domain.MovementRemoved,
		QuantityChange: -20,
		RefType:        domain.MovementRefOrder,
		RefID:          "ord_over",
		Now:            now.Add(3 * time.Second),
	})
	if err == nil {
		t.Fatalf("expected insufficient stock error")
	}
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorInsufficientStock {
		t.Fatalf("expected insufficient stock code, got %v", err)
	}

	stock, err := repo.GetStock(ctx, "SKU-001")
	if err != nil {
		t.Fatalf("get stock: %v", err)
	}
	if stock.Quantity != 9 {
		t.Fatalf("expected quantity unchanged after rejected removal, got %d", stock.Quantity)
	}
	if stock.SellingPrice != 500 || stock.Currency != "USD" {
		t.Fatalf("unexpected stock pricing: %+v", stock)
	}

	invErr = nil
	_, err = repo.ApplyMovement(ctx, repositories.ApplyMovementRequest{
		SKU:            "SKU-UNKNOWN",
		Type:           domain.MovementRemoved,
		QuantityChange: -1,
		RefType:        domain.MovementRefOrder,
		RefID:          "ord_ghost",
		Now:            now,
	})
	if err == nil {
		t.Fatalf("expected stock not found error")
	}
	if !errors.As(err, &invErr) || invErr.Code != repositories.InventoryErrorStockNotFound {
		t.Fatalf("expected stock not found code, got %v", err)
	}

	page, err := repo.ListMovements(ctx, repositories.MovementListFilter{
		SKU:        "SKU-001",
		Pagination: domain.Pagination{PageSize: 10},
	})
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("expected 3 ledger rows, got %d", len(page.Items))
	}
	if page.Items[0].Type != domain.MovementAdjusted {
		t.Fatalf("expected newest row first, got %s", page.Items[0].Type)
	}
	for _, move := range page.Items {
		if move.QuantityAfter != move.QuantityBefore+move.QuantityChange {
			t.Fatalf("ledger arithmetic broken: %+v", move)
		}
	}

	orderOnly, err := repo.ListMovements(ctx, repositories.MovementListFilter{
		RefType:    string(domain.MovementRefOrder),
		RefID:      "ord_seed",
		Pagination: domain.Pagination{PageSize: 10},
	})
	if err != nil {
		t.Fatalf("list movements by ref: %v", err)
	}
	if len(orderOnly.Items) != 1 || orderOnly.Items[0].Type != domain.MovementRemoved {
		t.Fatalf("unexpected ref filter result: %+v", orderOnly.Items)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to allocate port: %v", err)
	}
	defer addr.Close()
	return addr.Addr().(*net.TCPAddr).Port
}

func startFirestoreEmulator(t *testing.T, port int) string {
	t.Helper()
	args := []string{
		"run", "-d", "--rm",
		"-p", fmt.Sprintf("%d:8080", port),
		firestoreEmulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start",
		"--host-port=0.0.0.0:8080",
		"--quiet",
	}

	cmd := exec.Command("docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("failed to start firestore emulator: %v - %s", err, string(out))
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		t.Fatalf("docker returned empty container id")
	}
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

func ensureDockerDaemon(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		t.Fatalf("docker daemon not available: %v", err)
	}
}

func stopContainer(id string) {
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "docker", "stop", id)
	_ = cmd.Run()
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("firestore emulator at %s did not become ready within %s", endpoint, timeout)
}

const firestoreEmulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
