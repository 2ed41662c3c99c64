package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/matching"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
	"github.com/shopspring/decimal"
)

// A price overcharge above the critical threshold blocks approval until the
// discrepancy is waived.
func TestInvoiceApproval_BlockedByCriticalPriceMismatch(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)

	supplier, err := models.CreateSupplier(ctx, &models.NewSupplier{Name: "Golden Steel Co"})
	if err != nil {
		t.Fatalf("CreateSupplier: %v", err)
	}

	orderDate := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	po, err := models.CreatePurchaseOrder(ctx, &models.NewPurchaseOrder{
		SupplierId:  supplier.ID,
		OrderNumber: "PO-IT-001",
		OrderDate:   orderDate,
		Details: []models.NewPurchaseOrderDetail{
			{MaterialId: "REBAR-12", Name: "Rebar 12mm", Brand: "Tata", DetailQty: decimal.NewFromInt(100), DetailUnitRate: decimal.NewFromInt(100)},
		},
	})
	if err != nil {
		t.Fatalf("CreatePurchaseOrder: %v", err)
	}
	for _, status := range []models.PurchaseOrderStatus{models.PurchaseOrderStatusSent, models.PurchaseOrderStatusApproved} {
		if _, err := models.UpdateStatusPurchaseOrder(ctx, po.ID, status); err != nil {
			t.Fatalf("UpdateStatusPurchaseOrder(%s): %v", status, err)
		}
	}

	delivery, err := models.CreateDelivery(ctx, &models.NewDelivery{
		PurchaseOrderId: po.ID,
		DeliveryNumber:  "DN-1",
		DeliveryDate:    orderDate.AddDate(0, 0, 5),
		Details: []models.NewDeliveryDetail{
			{MaterialId: "REBAR-12", GoodQty: decimal.NewFromInt(100), BrandReceived: "Tata"},
		},
	})
	if err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	if delivery.CurrentStatus != models.DeliveryStatusComplete {
		t.Fatalf("delivery status = %s, want complete", delivery.CurrentStatus)
	}
	refreshed, err := models.GetPurchaseOrder(ctx, po.ID)
	if err != nil {
		t.Fatalf("GetPurchaseOrder: %v", err)
	}
	if refreshed.CurrentStatus != models.PurchaseOrderStatusReceived {
		t.Fatalf("purchase order status = %s, want received", refreshed.CurrentStatus)
	}

	invoice, err := models.CreateInvoice(ctx, &models.NewInvoice{
		PurchaseOrderId: po.ID,
		SupplierId:      supplier.ID,
		InvoiceNumber:   "INV-IT-001",
		InvoiceDate:     orderDate.AddDate(0, 0, 10),
		Details: []models.NewInvoiceDetail{
			{MaterialId: "REBAR-12", Brand: "Tata", DetailQty: decimal.NewFromInt(100), DetailUnitRate: decimal.NewFromInt(120)},
		},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if invoice.MatchingStatus != matching.MatchingStatusMismatched {
		t.Fatalf("matching status = %s, want %s", invoice.MatchingStatus, matching.MatchingStatusMismatched)
	}
	if !invoice.TotalAmount.Equal(decimal.NewFromInt(12000)) {
		t.Fatalf("total = %s, want 12000", invoice.TotalAmount)
	}

	discrepancies, err := models.GetDiscrepanciesByInvoice(ctx, invoice.ID)
	if err != nil {
		t.Fatalf("GetDiscrepanciesByInvoice: %v", err)
	}
	var price *models.Discrepancy
	for _, d := range discrepancies {
		if d.Type == matching.DiscrepancyTypePrice {
			price = d
		}
	}
	if price == nil {
		t.Fatalf("no price discrepancy in %d rows", len(discrepancies))
	}
	if price.Severity != models.DiscrepancySeverityCritical || price.CurrentStatus != models.DiscrepancyStatusOpen {
		t.Fatalf("price discrepancy = %s/%s", price.Severity, price.CurrentStatus)
	}

	blocked, err := models.ApproveInvoice(ctx, invoice.ID)
	if !errors.Is(err, models.ErrInvoiceApprovalBlocked) {
		t.Fatalf("ApproveInvoice err = %v, want ErrInvoiceApprovalBlocked", err)
	}
	if blocked == nil || blocked.CurrentStatus != models.InvoiceStatusSubmitted {
		t.Fatalf("blocked invoice should stay submitted: %+v", blocked)
	}

	// re-matching must not reopen or duplicate the discrepancy once it is waived
	if _, err := models.WaiveDiscrepancy(ctx, price.ID, "agreed surcharge for expedited delivery"); err != nil {
		t.Fatalf("WaiveDiscrepancy: %v", err)
	}
	if _, err := models.RematchInvoice(ctx, invoice.ID); err != nil {
		t.Fatalf("RematchInvoice: %v", err)
	}
	after, err := models.GetDiscrepanciesByInvoice(ctx, invoice.ID)
	if err != nil {
		t.Fatalf("GetDiscrepanciesByInvoice: %v", err)
	}
	for _, d := range after {
		if d.Type == matching.DiscrepancyTypePrice && d.CurrentStatus == models.DiscrepancyStatusOpen {
			t.Fatalf("price discrepancy reopened after waive: %+v", d)
		}
	}

	approved, err := models.ApproveInvoice(ctx, invoice.ID)
	if err != nil {
		t.Fatalf("ApproveInvoice: %v", err)
	}
	if approved.CurrentStatus != models.InvoiceStatusApproved || approved.ApprovedAt == nil {
		t.Fatalf("approved invoice = %s at %v", approved.CurrentStatus, approved.ApprovedAt)
	}
}

func TestCreateDelivery_PartialThenComplete(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := setupIntegration(t)

	supplier, err := models.CreateSupplier(ctx, &models.NewSupplier{Name: "Yangon Cement"})
	if err != nil {
		t.Fatalf("CreateSupplier: %v", err)
	}
	orderDate := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	po, err := models.CreatePurchaseOrder(ctx, &models.NewPurchaseOrder{
		SupplierId:  supplier.ID,
		OrderNumber: "PO-IT-002",
		OrderDate:   orderDate,
		Details: []models.NewPurchaseOrderDetail{
			{MaterialId: "CEM-50", DetailQty: decimal.NewFromInt(40), DetailUnitRate: decimal.NewFromInt(9)},
		},
	})
	if err != nil {
		t.Fatalf("CreatePurchaseOrder: %v", err)
	}
	for _, status := range []models.PurchaseOrderStatus{models.PurchaseOrderStatusSent, models.PurchaseOrderStatusApproved} {
		if _, err := models.UpdateStatusPurchaseOrder(ctx, po.ID, status); err != nil {
			t.Fatalf("UpdateStatusPurchaseOrder(%s): %v", status, err)
		}
	}

	over := &models.NewDelivery{
		PurchaseOrderId: po.ID,
		DeliveryDate:    orderDate.AddDate(0, 0, 1),
		Details:         []models.NewDeliveryDetail{{MaterialId: "CEM-50", GoodQty: decimal.NewFromInt(38), DamagedQty: decimal.NewFromInt(3)}},
	}
	if _, err := models.CreateDelivery(ctx, over); !errors.Is(err, models.ErrDeliveryExceedsOrdered) {
		t.Fatalf("over delivery err = %v, want ErrDeliveryExceedsOrdered", err)
	}

	first, err := models.CreateDelivery(ctx, &models.NewDelivery{
		PurchaseOrderId: po.ID,
		DeliveryDate:    orderDate.AddDate(0, 0, 2),
		Details:         []models.NewDeliveryDetail{{MaterialId: "CEM-50", GoodQty: decimal.NewFromInt(30)}},
	})
	if err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	if first.CurrentStatus != models.DeliveryStatusPartial {
		t.Fatalf("first delivery status = %s, want partial", first.CurrentStatus)
	}
	second, err := models.CreateDelivery(ctx, &models.NewDelivery{
		PurchaseOrderId: po.ID,
		DeliveryDate:    orderDate.AddDate(0, 0, 4),
		Details:         []models.NewDeliveryDetail{{MaterialId: "CEM-50", GoodQty: decimal.NewFromInt(10)}},
	})
	if err != nil {
		t.Fatalf("CreateDelivery: %v", err)
	}
	if second.CurrentStatus != models.DeliveryStatusComplete {
		t.Fatalf("second delivery status = %s, want complete", second.CurrentStatus)
	}
}

func setupIntegration(t *testing.T) context.Context {
	t.Helper()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "mrms_test")

	connectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := config.ConnectDatabaseWithRetry(connectCtx); err != nil {
		t.Fatalf("ConnectDatabaseWithRetry: %v", err)
	}
	if err := config.ConnectRedisWithRetry(connectCtx); err != nil {
		t.Fatalf("ConnectRedisWithRetry: %v", err)
	}
	models.MigrateTable()

	businessId := fmt.Sprintf("biz-it-%d", time.Now().UnixNano())
	return utils.SetUserInContext(context.Background(), businessId, 1, "it@local", "Integration", string(models.UserRoleAdmin))
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("mrms-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("mrms-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=mrms_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// "127.0.0.1:49154\n"
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
