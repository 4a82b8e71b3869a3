package devserver

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"heyochat/internal/db"
)

// SeedUsername is the name of the i-th seeded user.
func SeedUsername(i int) string {
	return fmt.Sprintf("user%d", i)
}

// Seed creates n users sharing password. Users 2k and 2k+1 are friends with
// an open conversation. Existing users are reused, so seeding is idempotent.
func Seed(database *db.DB, n int, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		name := SeedUsername(i)
		user, err := database.CreateUser(name, name+"@example.com", string(hashed))
		if errors.Is(err, db.ErrDuplicate) {
			user, err = database.GetUserByLogin(name)
		}
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		ids[i] = user.ID
	}

	for i := 0; i+1 < n; i += 2 {
		if err := database.AddFriendship(ids[i], ids[i+1]); err != nil {
			return err
		}
		if _, err := database.EnsureConversation(ids[i], ids[i+1]); err != nil {
			return err
		}
	}
	return nil
}
