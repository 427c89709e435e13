package websocket

type ConnectParams struct {
	UserID string `form:"userId" binding:"max=64"` // previously issued identity, if any
	Secret string `form:"secret" binding:"max=64"` // its secret, proves ownership
}
