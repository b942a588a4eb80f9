package daemon

import (
	"context"
	"fmt"
	"log"

	configstore "github.com/portgate-io/portgate/internal/config/store"
	"github.com/portgate-io/portgate/internal/supervisor"
)

// supervisorService adapts the endpoint supervisor to the service host
// lifecycle. Start brings up every enabled stored endpoint profile; a
// profile that fails to bind is logged and skipped so one occupied port
// cannot keep the daemon down.
type supervisorService struct {
	endpoints *supervisor.Supervisor
	store     *configstore.Store
}

func newSupervisorService(sup *supervisor.Supervisor, store *configstore.Store) *supervisorService {
	return &supervisorService{endpoints: sup, store: store}
}

func (s *supervisorService) Start(ctx context.Context) error {
	if err := s.endpoints.Start(ctx); err != nil {
		return err
	}

	profiles, err := s.store.ListEnabledEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("daemon: load endpoint profiles: %w", err)
	}

	for _, profile := range profiles {
		if err := s.endpoints.OpenEndpoint(ctx, profile); err != nil {
			log.Printf("[Daemon] Endpoint %d not opened: %v", profile.Port, err)
		}
	}

	return nil
}

func (s *supervisorService) Shutdown(ctx context.Context) error {
	return s.endpoints.Shutdown(ctx)
}
