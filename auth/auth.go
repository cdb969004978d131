// Package auth implements the GoTrue-compatible authentication service:
// sign-up/sign-in/sign-out operations, session tracking, and synchronous
// dispatch of auth-state-change events to registered observers.
package auth

import (
	"context"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jsupabase/jsupabase-sub001/transport"
)

var log = logrus.WithField("component", "auth")

// Event is a tagged variant over the auth-state-change kinds GoTrue
// emits.
type Event int

const (
	InitialSession Event = iota
	SignedIn
	SignedOut
	TokenRefreshed
	UserUpdated
	PasswordRecovery
)

func (e Event) String() string {
	switch e {
	case InitialSession:
		return "INITIAL_SESSION"
	case SignedIn:
		return "SIGNED_IN"
	case SignedOut:
		return "SIGNED_OUT"
	case TokenRefreshed:
		return "TOKEN_REFRESHED"
	case UserUpdated:
		return "USER_UPDATED"
	case PasswordRecovery:
		return "PASSWORD_RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// User is the descriptor GoTrue returns alongside a session.
type User struct {
	ID       string                 `json:"id"`
	Email    string                 `json:"email"`
	Phone    string                 `json:"phone,omitempty"`
	Metadata map[string]interface{} `json:"user_metadata,omitempty"`
}

// Session is the credential bundle returned by sign-in/sign-up/refresh.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresAt    int64  `json:"expires_at"`
	User         *User  `json:"user"`
}

// Listener is invoked synchronously, in registration order, on every
// auth-state transition. A panicking listener is logged and does not
// prevent the remaining listeners from running.
type Listener func(event Event, session *Session)

// Auth owns the current session and the registered state-change
// observers for one Gateway.
type Auth struct {
	tr *transport.Transport

	mu        sync.Mutex
	session   *Session
	listeners []Listener
}

// New builds an Auth module over tr.
func New(tr *transport.Transport) *Auth {
	return &Auth{tr: tr}
}

// OnAuthStateChange registers listener and returns an unsubscribe func.
func (a *Auth) OnAuthStateChange(listener Listener) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, listener)
	idx := len(a.listeners) - 1
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.listeners) {
			a.listeners[idx] = nil
		}
	}
}

// CurrentSession returns the current session, or nil if signed out.
func (a *Auth) CurrentSession() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// dispatch stores session as the current session (a nil session clears
// it) and invokes every registered listener, in registration order, to
// completion before moving to the next. It copies the listener slice
// first so a listener that calls OnAuthStateChange mid-dispatch cannot
// corrupt the in-flight iteration.
func (a *Auth) dispatch(event Event, session *Session) {
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()
	a.notify(event, session)
}

// notify invokes every registered listener, in registration order, to
// completion before moving to the next, without touching stored session
// state (the caller is responsible for that). Used by dispatch and by
// callers that already updated the session under lock themselves.
func (a *Auth) notify(event Event, session *Session) {
	a.mu.Lock()
	listeners := make([]Listener, len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()

	for _, l := range listeners {
		if l == nil {
			continue
		}
		invokeListener(l, event, session)
	}
}

func invokeListener(l Listener, event Event, session *Session) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"event": event.String(),
				"panic": r,
			}).Error("supabase: auth listener panicked")
		}
	}()
	l(event, session)
}

// SignUpRequest is the body of a SignUp call.
type SignUpRequest struct {
	Email    string                 `json:"email,omitempty"`
	Phone    string                 `json:"phone,omitempty"`
	Password string                 `json:"password"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// SignUp creates a new user account.
func (a *Auth) SignUp(ctx context.Context, req SignUpRequest) (*Session, error) {
	httpReq, err := a.postJSON(a.path("/signup"), "", req)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := httpReq.Send(ctx, &session); err != nil {
		return nil, err
	}
	a.dispatch(SignedIn, &session)
	return &session, nil
}

// SignInWithPassword authenticates with an email/phone + password pair.
func (a *Auth) SignInWithPassword(ctx context.Context, identifier, password string) (*Session, error) {
	req := signInPasswordRequest{Password: password}
	if looksLikeEmail(identifier) {
		req.Email = identifier
	} else {
		req.Phone = identifier
	}

	httpReq, err := a.postJSON(a.path("/token"), "grant_type=password", req)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := httpReq.Send(ctx, &session); err != nil {
		return nil, err
	}
	a.dispatch(SignedIn, &session)
	return &session, nil
}

type signInPasswordRequest struct {
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Password string `json:"password"`
}

// SignInWithOTP requests a one-time-password / magic-link be sent to
// identifier. No session is established (and no event dispatched) until
// VerifyOTP succeeds.
func (a *Auth) SignInWithOTP(ctx context.Context, identifier string) error {
	body := map[string]string{}
	if looksLikeEmail(identifier) {
		body["email"] = identifier
	} else {
		body["phone"] = identifier
	}
	httpReq, err := a.postJSON(a.path("/otp"), "", body)
	if err != nil {
		return err
	}
	return httpReq.Send(ctx, nil)
}

// VerifyOTP exchanges a one-time code for a session.
func (a *Auth) VerifyOTP(ctx context.Context, identifier, token, otpType string) (*Session, error) {
	body := map[string]string{"token": token, "type": otpType}
	if looksLikeEmail(identifier) {
		body["email"] = identifier
	} else {
		body["phone"] = identifier
	}

	httpReq, err := a.postJSON(a.path("/verify"), "", body)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := httpReq.Send(ctx, &session); err != nil {
		return nil, err
	}
	a.dispatch(SignedIn, &session)
	return &session, nil
}

// SignInWithOAuth returns the provider redirect URL the embedder must
// send the user to; it does not itself establish a session.
func (a *Auth) SignInWithOAuth(provider, redirectTo string) string {
	path := a.path("/authorize") + "?provider=" + provider
	if redirectTo != "" {
		path += "&redirect_to=" + redirectTo
	}
	return a.tr.Config().ResolveURL(path)
}

// SignInAnonymously creates a new anonymous user session.
func (a *Auth) SignInAnonymously(ctx context.Context) (*Session, error) {
	httpReq, err := a.postJSON(a.path("/signup"), "", map[string]any{})
	if err != nil {
		return nil, err
	}
	var session Session
	if err := httpReq.Send(ctx, &session); err != nil {
		return nil, err
	}
	a.dispatch(SignedIn, &session)
	return &session, nil
}

// RefreshSession exchanges refreshToken for a new session and dispatches
// TOKEN_REFRESHED, unless the server handed back the same access token
// already current (a redundant refresh), in which case no event fires.
func (a *Auth) RefreshSession(ctx context.Context, refreshToken string) (*Session, error) {
	body := map[string]string{"refresh_token": refreshToken}
	httpReq, err := a.postJSON(a.path("/token"), "grant_type=refresh_token", body)
	if err != nil {
		return nil, err
	}
	var session Session
	if err := httpReq.Send(ctx, &session); err != nil {
		return nil, err
	}

	prev := a.CurrentSession()
	a.mu.Lock()
	a.session = &session
	a.mu.Unlock()

	if prev == nil || prev.AccessToken != session.AccessToken {
		a.notify(TokenRefreshed, &session)
	}
	return &session, nil
}

// UpdateUser patches the current user's attributes and dispatches
// USER_UPDATED.
func (a *Auth) UpdateUser(ctx context.Context, accessToken string, attrs map[string]interface{}) (*User, error) {
	httpReq, err := a.tr.NewRequest(http.MethodPut, a.path("/user")).
		Header("Authorization", "Bearer "+accessToken).
		JSONBody(attrs)
	if err != nil {
		return nil, err
	}
	var user User
	if err := httpReq.Send(ctx, &user); err != nil {
		return nil, err
	}

	a.mu.Lock()
	session := a.session
	if session != nil {
		updated := *session
		updated.User = &user
		session = &updated
	}
	a.mu.Unlock()
	a.dispatch(UserUpdated, session)
	return &user, nil
}

// SignOut invalidates the current session. SIGNED_OUT is dispatched
// after the server POST /logout returns and the session is cleared.
func (a *Auth) SignOut(ctx context.Context, accessToken string) error {
	r := a.tr.NewRequest(http.MethodPost, a.path("/logout")).Header("Authorization", "Bearer "+accessToken)
	if err := r.Send(ctx, nil); err != nil {
		return err
	}
	a.dispatch(SignedOut, nil)
	return nil
}

// RecoverPassword requests a password-recovery email and dispatches
// PASSWORD_RECOVERY once the request succeeds.
func (a *Auth) RecoverPassword(ctx context.Context, email string) error {
	body := map[string]string{"email": email}
	httpReq, err := a.postJSON(a.path("/recover"), "", body)
	if err != nil {
		return err
	}
	if err := httpReq.Send(ctx, nil); err != nil {
		return err
	}
	a.dispatch(PasswordRecovery, a.CurrentSession())
	return nil
}

// InviteUser sends an invite email to a prospective user. Requires a
// service-role key configured on the Transport's Config.
func (a *Auth) InviteUser(ctx context.Context, email string, metadata map[string]interface{}) (*User, error) {
	body := map[string]interface{}{"email": email}
	if metadata != nil {
		body["data"] = metadata
	}
	httpReq, err := a.postJSON(a.path("/invite"), "", body)
	if err != nil {
		return nil, err
	}
	var user User
	if err := httpReq.Send(ctx, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *Auth) path(suffix string) string {
	return a.tr.Config().AuthPath() + suffix
}

// postJSON builds a POST request to path with body as its JSON payload.
func (a *Auth) postJSON(path, query string, body interface{}) (*transport.Request, error) {
	req := a.tr.NewRequest(http.MethodPost, path)
	if query != "" {
		req = req.Query(query)
	}
	return req.JSONBody(body)
}

func looksLikeEmail(s string) bool {
	for _, r := range s {
		if r == '@' {
			return true
		}
	}
	return false
}
