package webservice

import "net/http"

// Handler returns the root HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
