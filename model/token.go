// file: model/token.go

package model

// TokenPair is what the gateway hands to the browser as cookies.
type TokenPair struct {
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
}

// RotationResult is the outcome of a successful login or refresh rotation.
type RotationResult struct {
	Pair   TokenPair
	Record *UserRecord
}
