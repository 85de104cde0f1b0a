// cmd/main.go
package main

import (
	"ledger-auth-gateway/app"
)

// @title           Ledger Auth Gateway
// @version         1.0
// @description     Cookie-based authentication gateway in front of a CouchDB ledger.

// @contact.name   API Support
// @contact.email  support@example.com

// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT

// @host      localhost:8080
// @BasePath  /
func main() {
	app.Run()
}
