// Package api exposes the load balancer over HTTP.
//
// Admin endpoints:
//
//	GET    /rep        list active replicas
//	POST   /add        {"n": int, "hostnames": [string]} add replicas
//	DELETE /rm         {"n": int, "hostnames": [string]} remove replicas
//	GET    /ring       ring summary
//	GET    /health     failure detector view
//	GET    /heartbeat  balancer liveness
//
// Every other GET path is routed to a replica chosen by the ring.
package api
