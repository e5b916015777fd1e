package quota

import (
	"chat-stream/internal/config"
	"chat-stream/internal/repository/db"
	"chat-stream/internal/testutil"
	"errors"
	"sync"
	"testing"
)

func testModels() *config.ModelsConfig {
	return config.NewModelsConfigFromModels([]config.Model{
		{ID: "model-a", Name: "Model A", DefaultQuota: 1000, Enabled: true, Priority: 100},
		{ID: "model-b", Name: "Model B", DefaultQuota: 500, Enabled: true, Priority: 50},
		{ID: "model-off", Name: "Disabled Model", DefaultQuota: 200, Enabled: false, Priority: 80},
	})
}

// fakeLedger backs the mock with a real balance so concurrent paths exercise
// the conditional-write retry the same way the database does.
type fakeLedger struct {
	mu    sync.Mutex
	quota db.UserModelQuota
}

func newFakeLedger(remaining int64) *fakeLedger {
	return &fakeLedger{quota: db.UserModelQuota{
		ID:             "q-1",
		UserID:         "user-1",
		ModelID:        "model-a",
		TotalQuota:     remaining,
		RemainingQuota: remaining,
	}}
}

func (l *fakeLedger) bind(mockDB *testutil.MockDatabase) {
	mockDB.GetUserModelQuotaFunc = func(userID, modelID string) (*db.UserModelQuota, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		snapshot := l.quota
		return &snapshot, nil
	}
	mockDB.ApplyQuotaDeductionFunc = func(quotaID string, expectedRemaining int64, messageID string, promptTokens, completionTokens, totalTokens int) (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.quota.RemainingQuota != expectedRemaining {
			return false, nil
		}
		l.quota.UsedQuota += int64(totalTokens)
		l.quota.RemainingQuota -= int64(totalTokens)
		l.quota.TotalUsed += int64(totalTokens)
		return true, nil
	}
	mockDB.ApplyQuotaRechargeFunc = func(quotaID string, amount int64, record *db.QuotaRechargeRecord) (*db.QuotaRechargeRecord, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.quota.TotalQuota += amount
		l.quota.RemainingQuota += amount
		written := *record
		written.ID = "rec-1"
		written.RechargeAmount = amount
		written.AfterQuota = l.quota.RemainingQuota
		written.BeforeQuota = written.AfterQuota - amount
		return &written, nil
	}
}

func TestCheck_NoQuotaRow(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	service := NewQuotaService(mockDB, testModels())

	ok, err := service.Check("user-1", "model-a", 100)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if ok {
		t.Error("Expected check to fail with no ledger row")
	}
}

func TestCheck_EstimateSemantics(t *testing.T) {
	tests := []struct {
		name      string
		remaining int64
		estimate  int
		want      bool
	}{
		{"no estimate, positive balance", 1, 0, true},
		{"no estimate, exhausted", 0, 0, false},
		{"estimate covered exactly", 100, 100, true},
		{"estimate not covered", 99, 100, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDB := &testutil.MockDatabase{}
			mockDB.GetUserModelQuotaFunc = func(userID, modelID string) (*db.UserModelQuota, error) {
				return &db.UserModelQuota{ID: "q-1", RemainingQuota: tt.remaining}, nil
			}
			service := NewQuotaService(mockDB, testModels())

			ok, err := service.Check("user-1", "model-a", tt.estimate)
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if ok != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, ok)
			}
		})
	}
}

func TestDeductAndRecord_ZeroTokensIsNoOp(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	read := false
	mockDB.GetUserModelQuotaFunc = func(userID, modelID string) (*db.UserModelQuota, error) {
		read = true
		return nil, nil
	}
	service := NewQuotaService(mockDB, testModels())

	if err := service.DeductAndRecord("user-1", "model-a", "msg-1", 0, 0, 0); err != nil {
		t.Fatalf("Expected no error for zero tokens, got %v", err)
	}
	if read {
		t.Error("Expected no ledger read for zero tokens")
	}
}

func TestDeductAndRecord_QuotaNotFound(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	service := NewQuotaService(mockDB, testModels())

	err := service.DeductAndRecord("user-1", "model-a", "msg-1", 10, 20, 30)
	if !errors.Is(err, db.ErrQuotaNotFound) {
		t.Errorf("Expected ErrQuotaNotFound, got %v", err)
	}
}

func TestDeductAndRecord_InsufficientBalance(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	ledger := newFakeLedger(20)
	ledger.bind(mockDB)
	service := NewQuotaService(mockDB, testModels())

	err := service.DeductAndRecord("user-1", "model-a", "msg-1", 10, 20, 30)
	if !errors.Is(err, db.ErrQuotaExceeded) {
		t.Errorf("Expected ErrQuotaExceeded, got %v", err)
	}
	if ledger.quota.RemainingQuota != 20 {
		t.Errorf("Expected balance untouched, got %d", ledger.quota.RemainingQuota)
	}
}

func TestDeductAndRecord_Success(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	ledger := newFakeLedger(100)
	ledger.bind(mockDB)
	service := NewQuotaService(mockDB, testModels())

	if err := service.DeductAndRecord("user-1", "model-a", "msg-1", 10, 20, 30); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if ledger.quota.UsedQuota != 30 {
		t.Errorf("Expected used 30, got %d", ledger.quota.UsedQuota)
	}
	if ledger.quota.RemainingQuota != 70 {
		t.Errorf("Expected remaining 70, got %d", ledger.quota.RemainingQuota)
	}
	if ledger.quota.TotalQuota-ledger.quota.UsedQuota != ledger.quota.RemainingQuota {
		t.Error("Expected remaining = total - used")
	}
}

func TestDeductAndRecord_RetriesAfterConflict(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	ledger := newFakeLedger(100)
	ledger.bind(mockDB)

	// First attempt loses the race, second goes through.
	conflicts := 1
	inner := mockDB.ApplyQuotaDeductionFunc
	attempts := 0
	mockDB.ApplyQuotaDeductionFunc = func(quotaID string, expectedRemaining int64, messageID string, promptTokens, completionTokens, totalTokens int) (bool, error) {
		attempts++
		if conflicts > 0 {
			conflicts--
			return false, nil
		}
		return inner(quotaID, expectedRemaining, messageID, promptTokens, completionTokens, totalTokens)
	}

	service := NewQuotaService(mockDB, testModels())
	if err := service.DeductAndRecord("user-1", "model-a", "msg-1", 10, 20, 30); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
	if ledger.quota.RemainingQuota != 70 {
		t.Errorf("Expected remaining 70, got %d", ledger.quota.RemainingQuota)
	}
}

func TestDeductAndRecord_ConcurrentDeductsOverBalance(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	ledger := newFakeLedger(100)
	ledger.bind(mockDB)
	service := NewQuotaService(mockDB, testModels())

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = service.DeductAndRecord("user-1", "model-a", "msg-1", 30, 50, 80)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, db.ErrQuotaExceeded) {
			t.Errorf("Expected ErrQuotaExceeded for the loser, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly one deduction to succeed, got %d", succeeded)
	}
	if ledger.quota.RemainingQuota != 20 {
		t.Errorf("Expected remaining 20, got %d", ledger.quota.RemainingQuota)
	}
}

func TestDeductAndRecord_InterleavedWithRecharge(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	ledger := newFakeLedger(1000)
	ledger.bind(mockDB)
	service := NewQuotaService(mockDB, testModels())

	// Every failed conditional write implies a commit by another writer, so
	// with fewer total writers than retry attempts no deduction can give up.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := service.DeductAndRecord("user-1", "model-a", "msg-1", 5, 5, 10); err != nil {
				t.Errorf("Unexpected deduction error: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := service.Recharge("user-1", "model-a", 10, "op-1", "admin", "test", ""); err != nil {
				t.Errorf("Unexpected recharge error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ledger.quota.TotalQuota-ledger.quota.UsedQuota != ledger.quota.RemainingQuota {
		t.Errorf("Invariant broken: total %d used %d remaining %d",
			ledger.quota.TotalQuota, ledger.quota.UsedQuota, ledger.quota.RemainingQuota)
	}
	if ledger.quota.UsedQuota != 40 || ledger.quota.TotalQuota != 1040 {
		t.Errorf("Expected used 40 and total 1040, got used %d total %d",
			ledger.quota.UsedQuota, ledger.quota.TotalQuota)
	}
}

func TestRecharge_RejectsNonPositiveAmount(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	touched := false
	mockDB.ApplyQuotaRechargeFunc = func(quotaID string, amount int64, record *db.QuotaRechargeRecord) (*db.QuotaRechargeRecord, error) {
		touched = true
		return record, nil
	}
	service := NewQuotaService(mockDB, testModels())

	for _, amount := range []int64{0, -5} {
		if _, err := service.Recharge("user-1", "model-a", amount, "op-1", "admin", "test", ""); !errors.Is(err, db.ErrInvalidAmount) {
			t.Errorf("Expected ErrInvalidAmount for amount %d, got %v", amount, err)
		}
	}
	if touched {
		t.Error("Expected ledger untouched by rejected recharge")
	}
}

func TestRecharge_CreatesRowWhenAbsent(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	var created *db.UserModelQuota
	mockDB.CreateUserModelQuotaFunc = func(quota *db.UserModelQuota) (*db.UserModelQuota, error) {
		created = quota
		withID := *quota
		withID.ID = "q-new"
		return &withID, nil
	}
	var rechargedQuotaID string
	mockDB.ApplyQuotaRechargeFunc = func(quotaID string, amount int64, record *db.QuotaRechargeRecord) (*db.QuotaRechargeRecord, error) {
		rechargedQuotaID = quotaID
		written := *record
		written.RechargeAmount = amount
		written.AfterQuota = amount
		return &written, nil
	}
	service := NewQuotaService(mockDB, testModels())

	record, err := service.Recharge("user-1", "model-a", 100, "op-1", "admin", "grant", "")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if created == nil || created.TotalQuota != 0 || created.RemainingQuota != 0 {
		t.Errorf("Expected zero-balance row created, got %+v", created)
	}
	if rechargedQuotaID != "q-new" {
		t.Errorf("Expected recharge against new row, got %q", rechargedQuotaID)
	}
	if record.RechargeAmount != 100 {
		t.Errorf("Expected recorded amount 100, got %d", record.RechargeAmount)
	}
}

func TestRecharge_ConcurrentFirstRecharge(t *testing.T) {
	mockDB := &testutil.MockDatabase{}

	// Another recharge wins the insert between our read and our create; the
	// re-read finds its row and the recharge proceeds against it.
	reads := 0
	mockDB.GetUserModelQuotaFunc = func(userID, modelID string) (*db.UserModelQuota, error) {
		reads++
		if reads == 1 {
			return nil, nil
		}
		return &db.UserModelQuota{ID: "q-existing", UserID: userID, ModelID: modelID}, nil
	}
	mockDB.CreateUserModelQuotaFunc = func(quota *db.UserModelQuota) (*db.UserModelQuota, error) {
		return nil, errors.New(`duplicate key value violates unique constraint "user_model_quotas_user_id_model_id_key"`)
	}
	var rechargedQuotaID string
	mockDB.ApplyQuotaRechargeFunc = func(quotaID string, amount int64, record *db.QuotaRechargeRecord) (*db.QuotaRechargeRecord, error) {
		rechargedQuotaID = quotaID
		written := *record
		written.RechargeAmount = amount
		return &written, nil
	}
	service := NewQuotaService(mockDB, testModels())

	record, err := service.Recharge("user-1", "model-a", 100, "op-1", "admin", "grant", "")
	if err != nil {
		t.Fatalf("Expected recharge to recover from the lost insert, got %v", err)
	}
	if rechargedQuotaID != "q-existing" {
		t.Errorf("Expected recharge against the concurrently created row, got %q", rechargedQuotaID)
	}
	if record.RechargeAmount != 100 {
		t.Errorf("Expected recorded amount 100, got %d", record.RechargeAmount)
	}
}

func TestRecharge_CreateFailureWithoutRowStillErrors(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	mockDB.CreateUserModelQuotaFunc = func(quota *db.UserModelQuota) (*db.UserModelQuota, error) {
		return nil, errors.New("connection reset")
	}
	recharged := false
	mockDB.ApplyQuotaRechargeFunc = func(quotaID string, amount int64, record *db.QuotaRechargeRecord) (*db.QuotaRechargeRecord, error) {
		recharged = true
		return record, nil
	}
	service := NewQuotaService(mockDB, testModels())

	if _, err := service.Recharge("user-1", "model-a", 100, "op-1", "admin", "grant", ""); err == nil {
		t.Error("Expected error when the insert fails and no row exists")
	}
	if recharged {
		t.Error("Expected no recharge after a failed insert with no row")
	}
}

func TestInitializeForUser_SeedsEnabledModels(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	var seeded []db.UserModelQuota
	mockDB.CreateUserModelQuotaFunc = func(quota *db.UserModelQuota) (*db.UserModelQuota, error) {
		seeded = append(seeded, *quota)
		return quota, nil
	}
	service := NewQuotaService(mockDB, testModels())

	if err := service.InitializeForUser("user-1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(seeded) != 2 {
		t.Fatalf("Expected 2 seeded rows, got %d", len(seeded))
	}
	// Priority order: model-a (100) before model-b (50); model-off skipped.
	if seeded[0].ModelID != "model-a" || seeded[1].ModelID != "model-b" {
		t.Errorf("Expected priority order model-a, model-b; got %s, %s", seeded[0].ModelID, seeded[1].ModelID)
	}
	if seeded[0].TotalQuota != 1000 || seeded[0].RemainingQuota != 1000 {
		t.Errorf("Expected full default grant, got %+v", seeded[0])
	}
}

func TestInitializeForUser_SkipsExistingRows(t *testing.T) {
	mockDB := &testutil.MockDatabase{}
	mockDB.GetUserModelQuotaFunc = func(userID, modelID string) (*db.UserModelQuota, error) {
		if modelID == "model-a" {
			return &db.UserModelQuota{ID: "q-1", ModelID: modelID}, nil
		}
		return nil, nil
	}
	var seeded []string
	mockDB.CreateUserModelQuotaFunc = func(quota *db.UserModelQuota) (*db.UserModelQuota, error) {
		seeded = append(seeded, quota.ModelID)
		return quota, nil
	}
	service := NewQuotaService(mockDB, testModels())

	if err := service.InitializeForUser("user-1"); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(seeded) != 1 || seeded[0] != "model-b" {
		t.Errorf("Expected only model-b seeded, got %v", seeded)
	}
}

func TestInitializeForUser_ConcurrentSeed(t *testing.T) {
	mockDB := &testutil.MockDatabase{}

	// Registration retried concurrently: the other call inserts model-a first.
	created := map[string]bool{}
	mockDB.GetUserModelQuotaFunc = func(userID, modelID string) (*db.UserModelQuota, error) {
		if created[modelID] {
			return &db.UserModelQuota{ID: "q-" + modelID, ModelID: modelID}, nil
		}
		return nil, nil
	}
	mockDB.CreateUserModelQuotaFunc = func(quota *db.UserModelQuota) (*db.UserModelQuota, error) {
		if quota.ModelID == "model-a" {
			created["model-a"] = true
			return nil, errors.New(`duplicate key value violates unique constraint "user_model_quotas_user_id_model_id_key"`)
		}
		created[quota.ModelID] = true
		return quota, nil
	}
	service := NewQuotaService(mockDB, testModels())

	if err := service.InitializeForUser("user-1"); err != nil {
		t.Fatalf("Expected seeding to tolerate a concurrent insert, got %v", err)
	}
	if !created["model-b"] {
		t.Error("Expected remaining models still seeded after the conflict")
	}
}

func TestQuotaView_UsageRate(t *testing.T) {
	tests := []struct {
		name  string
		total int64
		used  int64
		want  float64
	}{
		{"unused", 1000, 0, 0},
		{"third used", 300, 100, 33.33},
		{"fully used", 100, 100, 100},
		{"zero total", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDB := &testutil.MockDatabase{}
			mockDB.GetUserModelQuotaFunc = func(userID, modelID string) (*db.UserModelQuota, error) {
				return &db.UserModelQuota{
					ModelID:        "model-a",
					TotalQuota:     tt.total,
					UsedQuota:      tt.used,
					RemainingQuota: tt.total - tt.used,
				}, nil
			}
			service := NewQuotaService(mockDB, testModels())

			view, err := service.GetQuotaView("user-1", "model-a")
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if view.UsageRate != tt.want {
				t.Errorf("Expected usage rate %.2f, got %.2f", tt.want, view.UsageRate)
			}
			if view.ModelName != "Model A" {
				t.Errorf("Expected catalog name, got %q", view.ModelName)
			}
		})
	}
}
