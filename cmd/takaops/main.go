package main

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/takahq/takaops/internal/billingrun"
	"github.com/takahq/takaops/internal/client"
	"github.com/takahq/takaops/internal/clock"
	"github.com/takahq/takaops/internal/config"
	"github.com/takahq/takaops/internal/invoice"
	"github.com/takahq/takaops/internal/migration"
	"github.com/takahq/takaops/internal/notify"
	"github.com/takahq/takaops/internal/observability/metrics"
	"github.com/takahq/takaops/internal/overpayment"
	"github.com/takahq/takaops/internal/payment"
	"github.com/takahq/takaops/internal/ratelimit"
	"github.com/takahq/takaops/internal/reconcile"
	"github.com/takahq/takaops/internal/server"
	"github.com/takahq/takaops/pkg/db"
	"github.com/takahq/takaops/pkg/log"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		db.Module,
		clock.Module,
		metrics.Module,
		migration.Module,
		fx.Provide(RegisterSnowflake),

		client.Module,
		invoice.Module,
		payment.Module,
		overpayment.Module,
		reconcile.Module,
		notify.Module,
		ratelimit.Module,
		billingrun.Module,
		server.Module,
	)
	app.Run()
}

// RegisterSnowflake builds the ID generator. NODE_ID distinguishes
// replicas so their IDs never collide.
func RegisterSnowflake() *snowflake.Node {
	nodeID := int64(1)
	if v := os.Getenv("NODE_ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			nodeID = parsed
		}
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		panic(err)
	}
	return node
}
