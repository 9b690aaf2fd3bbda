package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	visitorIDContextKey = "auth_visitor_id"
	csrfTokenContextKey = "auth_csrf_token"
)

// VisitorMiddleware resolves the visitor from its cookie. Safe requests with a
// missing, unknown or expired cookie register a new visitor; other requests
// are rejected so every visitor starts from a page load. It also makes sure
// the browser holds a CSRF cookie.
func (s *Service) VisitorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		visitorID, err := s.ValidateToken(ctx, s.cookieValue(c, s.cookieName))
		if err != nil {
			if requiresCSRFCheck(c.Request.Method) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "visitor session required"})
				return
			}
			visitor, token, err := s.CreateVisitor(ctx)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not start session"})
				return
			}
			visitorID = visitor.ID
			s.setCookie(c, s.cookieName, token, true)
		}

		csrf := s.cookieValue(c, s.csrfCookieName)
		if csrf == "" {
			csrf, err = s.NewCSRFToken()
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "could not start session"})
				return
			}
			s.setCookie(c, s.csrfCookieName, csrf, false)
		}

		c.Set(visitorIDContextKey, visitorID)
		c.Set(csrfTokenContextKey, csrf)
		c.Next()
	}
}

// VisitorIDFromContext retrieves the visitor id stored by the middleware.
func VisitorIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(visitorIDContextKey)
	if !ok {
		return 0, false
	}
	visitorID, ok := val.(int64)
	return visitorID, ok
}

// CSRFTokenFromContext returns the CSRF token to embed in rendered forms.
func CSRFTokenFromContext(c *gin.Context) string {
	return c.GetString(csrfTokenContextKey)
}

func (s *Service) cookieValue(c *gin.Context, name string) string {
	value, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return value
}

func (s *Service) setCookie(c *gin.Context, name, value string, httpOnly bool) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, int(s.tokenTTL.Seconds()), "/", "", s.secureCookies, httpOnly)
}
