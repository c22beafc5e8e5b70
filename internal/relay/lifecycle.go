package relay

import (
	"context"

	"github.com/Tyrowin/chatrelay/internal/presence"
)

// Connect registers an identified session, marks it active and announces it
// to every other connection. Sessions without a user id are left
// unregistered and Connect returns false.
func (r *Relay) Connect(ctx context.Context, sess Session) bool {
	if !sess.Identified() {
		r.logger.Info("connection without user id ignored", "conn_id", sess.ConnID)
		return false
	}

	r.registry.Register(sess.UserID, sess.ConnID)
	r.registry.SetStatus(sess.UserID, presence.StatusActive)
	r.publish(ctx, sess.UserID)

	r.broadcast(EventUserActive, PresenceChange{UserID: sess.UserID, Status: presence.StatusActive}, sess.ConnID)
	if r.broadcastOnlineList {
		r.broadcast(EventOnlineUsers, r.registry.OnlineUserIDs(), "")
	}

	r.logger.Info("user connected", "conn_id", sess.ConnID, "user_id", sess.UserID, "online", r.registry.Len())
	return true
}

// Disconnect removes whatever user is registered through conn and announces
// the departure. It returns the removed user id. Calling it again for the
// same connection, or for a connection that never registered, does nothing.
func (r *Relay) Disconnect(ctx context.Context, conn presence.ConnID) (string, bool) {
	userID, ok := r.registry.UnregisterByConnection(conn)
	if !ok {
		r.logger.Debug("disconnect without registered user", "conn_id", conn)
		return "", false
	}

	if err := r.mirror.Remove(ctx, userID); err != nil {
		r.logger.Warn("presence mirror remove failed", "user_id", userID, "error", err)
	}

	r.broadcast(EventUserInactive, PresenceChange{UserID: userID, Status: presence.StatusOffline}, conn)
	if r.broadcastOnlineList {
		r.broadcast(EventOnlineUsers, r.registry.OnlineUserIDs(), conn)
	}

	r.logger.Info("user disconnected", "conn_id", conn, "user_id", userID, "online", r.registry.Len())
	return userID, true
}
