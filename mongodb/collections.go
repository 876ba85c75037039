package mongodb

const (
	AccountsCollection      = "accounts"
	RefreshTokensCollection = "refresh_tokens"
)
