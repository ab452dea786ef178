package auth

import (
	"net/http"
	"strings"

	"github.com/clinichq/clinic-backend/pkg/actor"
	"github.com/clinichq/clinic-backend/pkg/errors"
	"github.com/clinichq/clinic-backend/pkg/httputil"
	"github.com/clinichq/clinic-backend/pkg/permissions"
)

// Middleware validates the bearer token and loads the actor and clinic
// grants into the request context. Requests without a valid token are
// rejected before reaching any handler.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				httputil.Error(w, errors.Unauthorized("missing authorization header"))
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				httputil.Error(w, errors.Unauthorized("invalid authorization header"))
				return
			}

			claims, err := verifier.ValidateAccessToken(parts[1])
			if err != nil {
				httputil.Error(w, err)
				return
			}

			ctx := actor.WithActor(r.Context(), &actor.Actor{
				ID:    claims.UserID,
				Name:  claims.Name,
				Email: claims.Email,
			})
			ctx = permissions.WithGrants(ctx, claims.ClinicGrants)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
