package provision

import (
	"fmt"

	"deskgrid/pkg/config"
	"deskgrid/pkg/provision/k8s"
	"deskgrid/pkg/provision/local"
)

// CreateSessionDriver creates the session driver selected by config.
func CreateSessionDriver(cfg *config.Config) (SessionDriver, error) {
	switch cfg.Provisioner.Driver {
	case "local", "":
		return local.NewDriver(), nil
	case "k8s", "kubernetes":
		return k8s.NewDriver(cfg)
	default:
		return nil, fmt.Errorf("unsupported session driver type: %s", cfg.Provisioner.Driver)
	}
}
