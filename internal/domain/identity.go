package domain

// Identity is the authenticated caller of a request or realtime session.
type Identity struct {
	UserID  int64
	IsAdmin bool
}

// CanAccess: admins see every conversation, customers only their own.
func (i Identity) CanAccess(c *Conversation) bool {
	return i.IsAdmin || (c != nil && c.CustomerID == i.UserID)
}
