package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"

	"github.com/counselhq/counsel/pkg/eventstream/nop"
	"github.com/counselhq/counsel/pkg/storage"
	"github.com/counselhq/counsel/pkg/storage/inmemory"
)

// newTestServer creates a server over a fresh in-memory driver.
func newTestServer() (*Server, *inmemory.Driver) {
	driver := inmemory.NewDriver()

	server, err := NewServer(Config{
		ListenAddr: ":0",
		AuthSecret: "api-test-secret",
	}, driver, nop.NewPublisher(), zap.NewNop())
	Expect(err).NotTo(HaveOccurred())

	return server, driver
}

// jsonRequest builds a request with a JSON body and optional bearer token.
func jsonRequest(method, path, token string, payload any) *http.Request {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req
}

// decodeJSON reads a response body into out.
func decodeJSON(resp *http.Response, out any) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	Expect(json.Unmarshal(raw, out)).To(Succeed(), "body: %s", raw)
}

// signUp registers an account through the HTTP surface and returns the
// profile and session.
func signUp(server *Server, email, password, name string) AuthResponse {
	resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signup", "", map[string]string{
		"email":        email,
		"password":     password,
		"display_name": name,
	}), -1)
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.StatusCode).To(Equal(http.StatusCreated))

	var auth AuthResponse
	decodeJSON(resp, &auth)
	Expect(auth.Session.Token).NotTo(BeEmpty())

	return auth
}

// createCase opens a case for the given session token.
func createCase(server *Server, token, title string) storage.Case {
	resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/cases", token, map[string]string{
		"title": title,
	}), -1)
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.StatusCode).To(Equal(http.StatusCreated))

	var kase storage.Case
	decodeJSON(resp, &kase)
	Expect(kase.UID).NotTo(BeEmpty())

	return kase
}

var _ = Describe("Server", func() {
	var server *Server

	BeforeEach(func() {
		server, _ = newTestServer()
	})

	Describe("NewServer", func() {
		It("rejects a missing auth secret", func() {
			_, err := NewServer(Config{ListenAddr: ":0"}, inmemory.NewDriver(), nop.NewPublisher(), zap.NewNop())
			Expect(err).To(HaveOccurred())
		})

		It("rejects a missing listen address", func() {
			_, err := NewServer(Config{AuthSecret: "s"}, inmemory.NewDriver(), nop.NewPublisher(), zap.NewNop())
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("GET /health", func() {
		It("reports ok when storage responds", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodGet, "/health", "", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body map[string]string
			decodeJSON(resp, &body)
			Expect(body["status"]).To(Equal("ok"))
		})
	})

	Describe("sign-up", func() {
		It("makes the first account an admin and later accounts members", func() {
			first := signUp(server, "first@firm.example", "password123", "First")
			second := signUp(server, "second@firm.example", "password123", "Second")

			Expect(first.User.Role).To(Equal(storage.RoleAdmin))
			Expect(second.User.Role).To(Equal(storage.RoleMember))
		})

		It("never serializes credential material", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signup", "", map[string]string{
				"email":    "lawyer@firm.example",
				"password": "password123",
			}), -1)
			Expect(err).NotTo(HaveOccurred())

			raw, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			Expect(err).NotTo(HaveOccurred())
			Expect(string(raw)).NotTo(ContainSubstring("password_hash"))
			Expect(string(raw)).NotTo(ContainSubstring("otp_secret"))
		})

		It("rejects a duplicate email with 409", func() {
			signUp(server, "lawyer@firm.example", "password123", "")

			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signup", "", map[string]string{
				"email":    "lawyer@firm.example",
				"password": "password123",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusConflict))
		})

		It("rejects a short password with 400", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signup", "", map[string]string{
				"email":    "lawyer@firm.example",
				"password": "short",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("rejects a malformed email with 400", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signup", "", map[string]string{
				"email":    "not-an-email",
				"password": "password123",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("sign-in", func() {
		BeforeEach(func() {
			signUp(server, "lawyer@firm.example", "password123", "Lawyer")
		})

		It("issues a session for valid credentials", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signin", "", map[string]string{
				"email":    "lawyer@firm.example",
				"password": "password123",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var auth AuthResponse
			decodeJSON(resp, &auth)
			Expect(auth.Session.Token).NotTo(BeEmpty())
			Expect(auth.Session.RefreshToken).NotTo(BeEmpty())
		})

		It("rejects a wrong password with 401", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signin", "", map[string]string{
				"email":    "lawyer@firm.example",
				"password": "wrong-password",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("refresh", func() {
		It("rotates the token pair", func() {
			auth := signUp(server, "lawyer@firm.example", "password123", "")

			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
				"refresh_token": auth.Session.RefreshToken,
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var rotated SessionResponse
			decodeJSON(resp, &rotated)
			Expect(rotated.Session.RefreshToken).NotTo(Equal(auth.Session.RefreshToken))

			// The pre-rotation access token no longer resolves.
			resp, err = server.app.Test(jsonRequest(http.MethodGet, "/v1/profile", auth.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("rejects an unknown refresh token with 401", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/refresh", "", map[string]string{
				"refresh_token": "no-such-token",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("sign-out", func() {
		It("revokes the presented session", func() {
			auth := signUp(server, "lawyer@firm.example", "password123", "")

			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signout", auth.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp, err = server.app.Test(jsonRequest(http.MethodGet, "/v1/profile", auth.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("one-time codes", func() {
		It("enrolls, activates, and then requires a code at sign-in", func() {
			auth := signUp(server, "lawyer@firm.example", "password123", "")

			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/otp/enroll", auth.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var enroll OTPEnrollResponse
			decodeJSON(resp, &enroll)
			Expect(enroll.URL).To(HavePrefix("otpauth://"))
			Expect(enroll.Secret).NotTo(BeEmpty())

			code, err := totp.GenerateCode(enroll.Secret, time.Now())
			Expect(err).NotTo(HaveOccurred())

			resp, err = server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/otp/verify", auth.Session.Token, map[string]string{
				"code": code,
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			// Password alone is no longer enough.
			resp, err = server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signin", "", map[string]string{
				"email":    "lawyer@firm.example",
				"password": "password123",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

			code, err = totp.GenerateCode(enroll.Secret, time.Now())
			Expect(err).NotTo(HaveOccurred())

			resp, err = server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signin", "", map[string]string{
				"email":    "lawyer@firm.example",
				"password": "password123",
				"otp_code": code,
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("rejects activation without a pending enrollment", func() {
			auth := signUp(server, "lawyer@firm.example", "password123", "")

			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/otp/verify", auth.Session.Token, map[string]string{
				"code": "000000",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("profile", func() {
		It("requires authorization", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodGet, "/v1/profile", "", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("rejects a garbage token", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodGet, "/v1/profile", "not-a-jwt", nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("returns and updates the caller's profile", func() {
			auth := signUp(server, "lawyer@firm.example", "password123", "Old Name")

			resp, err := server.app.Test(jsonRequest(http.MethodGet, "/v1/profile", auth.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var user storage.User
			decodeJSON(resp, &user)
			Expect(user.DisplayName).To(Equal("Old Name"))

			resp, err = server.app.Test(jsonRequest(http.MethodPatch, "/v1/profile", auth.Session.Token, map[string]string{
				"display_name": "New Name",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			decodeJSON(resp, &user)
			Expect(user.DisplayName).To(Equal("New Name"))
		})
	})

	Describe("cases", func() {
		var (
			owner AuthResponse
			other AuthResponse
		)

		BeforeEach(func() {
			owner = signUp(server, "owner@firm.example", "password123", "Owner")
			other = signUp(server, "other@firm.example", "password123", "Other")
		})

		It("creates a case with a server-assigned UID", func() {
			kase := createCase(server, owner.Session.Token, "Contract dispute")
			Expect(kase.Title).To(Equal("Contract dispute"))
			Expect(kase.UserID).To(Equal(owner.User.ID))
		})

		It("rejects an empty title", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/cases", owner.Session.Token, map[string]string{}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("lists only the caller's cases", func() {
			createCase(server, owner.Session.Token, "Owner matter")
			createCase(server, other.Session.Token, "Other matter")

			resp, err := server.app.Test(jsonRequest(http.MethodGet, "/v1/cases", owner.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Count int             `json:"count"`
				Cases []*storage.Case `json:"cases"`
			}
			decodeJSON(resp, &body)
			Expect(body.Count).To(Equal(1))
			Expect(body.Cases[0].Title).To(Equal("Owner matter"))
		})

		It("presents another account's case as not found", func() {
			kase := createCase(server, owner.Session.Token, "Owner matter")

			resp, err := server.app.Test(jsonRequest(http.MethodGet, "/v1/cases/"+kase.UID, other.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("returns 404 for an unknown case", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodGet, "/v1/cases/does-not-exist", owner.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("retitles a case", func() {
			kase := createCase(server, owner.Session.Token, "Draft title")

			resp, err := server.app.Test(jsonRequest(http.MethodPatch, "/v1/cases/"+kase.UID, owner.Session.Token, map[string]string{
				"title": "Final title",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var renamed storage.Case
			decodeJSON(resp, &renamed)
			Expect(renamed.Title).To(Equal("Final title"))
		})

		It("deletes a case along with its transcript", func() {
			kase := createCase(server, owner.Session.Token, "Short-lived")

			resp, err := server.app.Test(jsonRequest(http.MethodDelete, "/v1/cases/"+kase.UID, owner.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp, err = server.app.Test(jsonRequest(http.MethodGet, "/v1/cases/"+kase.UID, owner.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("messages", func() {
		var (
			owner AuthResponse
			kase  storage.Case
		)

		BeforeEach(func() {
			owner = signUp(server, "owner@firm.example", "password123", "Owner")
			kase = createCase(server, owner.Session.Token, "Contract dispute")
		})

		It("appends and lists transcript turns in order", func() {
			for _, content := range []string{"first question", "second question"} {
				resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/cases/"+kase.UID+"/messages", owner.Session.Token, map[string]string{
					"role":    "user",
					"content": content,
				}), -1)
				Expect(err).NotTo(HaveOccurred())
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				resp.Body.Close()
			}

			resp, err := server.app.Test(jsonRequest(http.MethodGet, "/v1/cases/"+kase.UID+"/messages", owner.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Count    int                `json:"count"`
				Messages []*storage.Message `json:"messages"`
			}
			decodeJSON(resp, &body)
			Expect(body.Count).To(Equal(2))
			Expect(body.Messages[0].Content).To(Equal("first question"))
			Expect(body.Messages[1].Content).To(Equal("second question"))
		})

		It("rejects roles other than user and assistant", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/cases/"+kase.UID+"/messages", owner.Session.Token, map[string]string{
				"role":    "system",
				"content": "injected",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("also includes the transcript in the case detail", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPost, "/v1/cases/"+kase.UID+"/messages", owner.Session.Token, map[string]string{
				"role":    "user",
				"content": "what are my options?",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()

			resp, err = server.app.Test(jsonRequest(http.MethodGet, "/v1/cases/"+kase.UID, owner.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var detail CaseDetailResponse
			decodeJSON(resp, &detail)
			Expect(detail.Case.UID).To(Equal(kase.UID))
			Expect(detail.Messages).To(HaveLen(1))
		})
	})

	Describe("admin", func() {
		var (
			admin  AuthResponse
			member AuthResponse
		)

		BeforeEach(func() {
			admin = signUp(server, "admin@firm.example", "password123", "Admin")
			member = signUp(server, "member@firm.example", "password123", "Member")
		})

		It("refuses non-admin callers with 403", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodGet, "/v1/admin/users", member.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("lists every account for an admin", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodGet, "/v1/admin/users", admin.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body struct {
				Count int             `json:"count"`
				Users []*storage.User `json:"users"`
			}
			decodeJSON(resp, &body)
			Expect(body.Count).To(Equal(2))
		})

		It("deactivation revokes the account's sessions", func() {
			path := "/v1/admin/users/" + itoa(member.User.ID)
			resp, err := server.app.Test(jsonRequest(http.MethodPatch, path, admin.Session.Token, map[string]any{
				"active": false,
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var updated storage.User
			decodeJSON(resp, &updated)
			Expect(updated.Active).To(BeFalse())

			resp, err = server.app.Test(jsonRequest(http.MethodGet, "/v1/profile", member.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))

			// And sign-in is refused outright.
			resp, err = server.app.Test(jsonRequest(http.MethodPost, "/v1/auth/signin", "", map[string]string{
				"email":    "member@firm.example",
				"password": "password123",
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("updates the subscribed flag", func() {
			path := "/v1/admin/users/" + itoa(member.User.ID)
			resp, err := server.app.Test(jsonRequest(http.MethodPatch, path, admin.Session.Token, map[string]any{
				"subscribed": true,
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var updated storage.User
			decodeJSON(resp, &updated)
			Expect(updated.Subscribed).To(BeTrue())
			Expect(updated.Active).To(BeTrue())
		})

		It("refuses self-deactivation", func() {
			path := "/v1/admin/users/" + itoa(admin.User.ID)
			resp, err := server.app.Test(jsonRequest(http.MethodPatch, path, admin.Session.Token, map[string]any{
				"active": false,
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("deletes an account and its data", func() {
			kase := createCase(server, member.Session.Token, "Member matter")

			path := "/v1/admin/users/" + itoa(member.User.ID)
			resp, err := server.app.Test(jsonRequest(http.MethodDelete, path, admin.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			resp, err = server.app.Test(jsonRequest(http.MethodDelete, path, admin.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))

			// The member's case died with the account.
			_, err = server.storer.GetCaseByUID(context.Background(), kase.UID)
			Expect(storage.IsNotFound(err)).To(BeTrue())
		})

		It("refuses self-deletion", func() {
			path := "/v1/admin/users/" + itoa(admin.User.ID)
			resp, err := server.app.Test(jsonRequest(http.MethodDelete, path, admin.Session.Token, nil), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})

		It("returns 404 for an unknown user id", func() {
			resp, err := server.app.Test(jsonRequest(http.MethodPatch, "/v1/admin/users/9999", admin.Session.Token, map[string]any{
				"active": false,
			}), -1)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})
})

// itoa formats a user ID for route paths.
func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
