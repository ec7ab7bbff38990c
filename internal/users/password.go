package users

import "golang.org/x/crypto/bcrypt"

const DefaultCost = 10

// Hasher produces and verifies the digests stored in users.digesta1.
type Hasher struct {
	Cost int
}

func (h Hasher) cost() int {
	if h.Cost < bcrypt.MinCost || h.Cost > bcrypt.MaxCost {
		return DefaultCost
	}
	return h.Cost
}

func (h Hasher) Hash(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h Hasher) Check(password, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func HashPassword(password string) (string, error) {
	return Hasher{Cost: DefaultCost}.Hash(password)
}

func CheckPassword(password, hash string) bool {
	return Hasher{}.Check(password, hash)
}
