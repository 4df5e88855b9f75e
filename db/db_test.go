package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/deemkeen/mammut/domain"
	"github.com/google/uuid"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testAccount(username string) *domain.Account {
	return &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		DisplayName:   "Test User",
		WebPublicKey:  "test-public-key",
		WebPrivateKey: "test-private-key",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestCreateAndReadAccount(t *testing.T) {
	database := openTestDB(t)

	acc := testAccount("alice")
	acc.Email = "alice@mail.example"
	if err := database.CreateAccount(acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	err, got := database.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}
	if got.Id != acc.Id {
		t.Errorf("Expected id %s, got %s", acc.Id, got.Id)
	}
	if got.Email != "alice@mail.example" {
		t.Errorf("Expected email alice@mail.example, got %s", got.Email)
	}

	err, byId := database.ReadAccById(acc.Id)
	if err != nil {
		t.Fatalf("ReadAccById failed: %v", err)
	}
	if byId.Username != "alice" {
		t.Errorf("Expected username alice, got %s", byId.Username)
	}
}

func TestReadAccountMiss(t *testing.T) {
	database := openTestDB(t)

	err, acc := database.ReadAccByUsername("nobody")
	if err == nil {
		t.Error("Expected error for unknown username")
	}
	if acc != nil {
		t.Error("Expected nil account for unknown username")
	}
}

func TestDuplicateUsernameRejected(t *testing.T) {
	database := openTestDB(t)

	if err := database.CreateAccount(testAccount("alice")); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := database.CreateAccount(testAccount("alice")); err == nil {
		t.Error("Expected unique constraint error for duplicate username")
	}
}

func TestUpdateAccountProfile(t *testing.T) {
	database := openTestDB(t)

	acc := testAccount("alice")
	if err := database.CreateAccount(acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	acc.DisplayName = "Alice A."
	acc.DropDMFromUnknown = true
	acc.ChatWebhookURL = "https://chat.example/hook"
	if err := database.UpdateAccountProfile(acc); err != nil {
		t.Fatalf("UpdateAccountProfile failed: %v", err)
	}

	err, got := database.ReadAccById(acc.Id)
	if err != nil {
		t.Fatalf("ReadAccById failed: %v", err)
	}
	if got.DisplayName != "Alice A." {
		t.Errorf("Expected updated display name, got %s", got.DisplayName)
	}
	if !got.DropDMFromUnknown {
		t.Error("Expected DropDMFromUnknown to be set")
	}
	if got.ChatWebhookURL != "https://chat.example/hook" {
		t.Errorf("Expected updated webhook, got %s", got.ChatWebhookURL)
	}
}

func TestReadAllAccounts(t *testing.T) {
	database := openTestDB(t)

	for _, name := range []string{"alice", "bob", "carol"} {
		if err := database.CreateAccount(testAccount(name)); err != nil {
			t.Fatalf("CreateAccount %s failed: %v", name, err)
		}
	}

	err, accs := database.ReadAllAccounts()
	if err != nil {
		t.Fatalf("ReadAllAccounts failed: %v", err)
	}
	if len(*accs) != 3 {
		t.Errorf("Expected 3 accounts, got %d", len(*accs))
	}
}
