package crypto

import "golang.org/x/crypto/bcrypt"

// hashCost stays at the bcrypt default; raise it here if login latency
// allows.
const hashCost = bcrypt.DefaultCost

// HashPassword derives a bcrypt hash from a plaintext password.
func HashPassword(plain string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plain), hashCost)
}

// VerifyPassword reports whether plain matches the stored hash.
func VerifyPassword(hash []byte, plain string) error {
	return bcrypt.CompareHashAndPassword(hash, []byte(plain))
}
