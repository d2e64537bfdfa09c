// Package httpapi exposes the supervisor over HTTP and provides a client for it.
//
// Routes:
//
//	GET    /health                    aggregated health of every service
//	GET    /services                  list
//	GET    /services/{name}           detail (?health=1 adds a health report)
//	GET    /services/{name}/health    health report
//	GET    /services/{name}/events    recorded lifecycle events
//	POST   /services/{name}/start|stop|restart|trigger
//	DELETE /services/{name}
//	POST   /services/start-all|stop-all
//
// Success is 200 with a payload or {"message"}; an unknown service is 404
// {"error"}; any other failure, including a malformed query, is 500 {"error"}.
package httpapi
