package sync

import (
	"context"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/disqualifier/mailtime/internal/config"
)

// DeleteMessage deletes one message from a folder on the server, retrying
// under the delete schedule. A message ID that no longer exists in the
// folder is treated as already deleted and succeeds. The caller owns the
// follow-up (cache discard and resync); this only talks to the server.
func (s *Session) DeleteMessage(ctx context.Context, acct *config.Account, folder, id string) error {
	ep, err := s.cfg.Endpoint(acct)
	if err != nil {
		return fmt.Errorf("account %s: %w", acct.Email, err)
	}

	seq, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", id, err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"account": acct.Email,
		"folder":  folder,
		"id":      id,
	})
	log.Info("Deleting message")

	err = s.DeleteRetry.Run(ctx, log, func(ctx context.Context) error {
		return s.deleteOnce(acct, ep, folder, uint32(seq))
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	log.Info("Message deleted")
	return nil
}

func (s *Session) deleteOnce(acct *config.Account, ep config.Endpoint, folder string, id uint32) error {
	conn, err := s.dial(ep)
	if err != nil {
		return err
	}
	defer conn.Logout() //nolint:errcheck

	if err := conn.Login(acct.Email, acct.Password); err != nil {
		return err
	}
	if err := conn.Select(folder); err != nil {
		return err
	}

	exists, err := conn.Exists(id)
	if err != nil {
		return err
	}
	if !exists {
		// Already gone server-side; nothing to do.
		return nil
	}

	if err := conn.MarkDeleted(id); err != nil {
		return err
	}
	return conn.Expunge()
}
