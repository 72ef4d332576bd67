package main

import (
	"os"

	"mailflow/pkg/config"
	app "mailflow/services/messages/internal/app"

	_ "mailflow/services/messages/docs" // Swagger docs
)

// @title           Messages Service API
// @version         1.0
// @description     Notification delivery log and consumer status for mailflow
// @termsOfService  http://swagger.io/terms/

// @contact.name   API Support
// @contact.url    http://www.swagger.io/support
// @contact.email  support@swagger.io

// @license.name  Apache 2.0
// @license.url   http://www.apache.org/licenses/LICENSE-2.0.html

// @host      localhost:8002
// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	application, err := app.NewApp(cfg)
	if err != nil {
		panic(err)
	}

	if err := application.Run(); err != nil {
		panic(err)
	}

	application.Wait()

	if err := application.Shutdown(); err != nil {
		os.Exit(1)
	}
}
