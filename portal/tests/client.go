package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"

	"github.com/go-chi/chi/v5"
)

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	body     io.Reader
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{
		api:      api,
		method:   method,
		endpoint: endpoint,
		headers:  nil,
		json:     nil,
		body:     nil,
	}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

func (r *httpTestRequest) send() (*httptest.ResponseRecorder, error) {
	if r.json != nil {
		body := new(bytes.Buffer)
		err := json.NewEncoder(body).Encode(r.json)
		if err != nil {
			return nil, fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	if r.headers != nil {
		for k, v := range r.headers {
			req.Header.Add(k, v)
		}
	}

	w := httptest.NewRecorder()

	r.api.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		switch w.Code {
		case http.StatusUnauthorized:
			return nil, ErrUnauthorized
		case http.StatusForbidden:
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("%v request to endpoint %v returned status %d, content '%v'", r.method, r.endpoint, w.Code, w.Body.String())
	}

	return w, nil
}

// response body will be parsed into result, passing nil indicates that no result is returned.
func (r *httpTestRequest) Do(result interface{}) error {
	w, err := r.send()
	if err != nil {
		return err
	}

	if result != nil {
		err := json.NewDecoder(w.Body).Decode(result)
		if err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}

	return nil
}

// DoRaw returns the raw response bytes, for download endpoints.
func (r *httpTestRequest) DoRaw() ([]byte, error) {
	w, err := r.send()
	if err != nil {
		return nil, err
	}
	return w.Body.Bytes(), nil
}

type client struct {
	api       chi.Router
	authToken string
	userId    string
	username  string
}

func (c *client) Get(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "GET", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Post(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "POST", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, "DELETE", endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

type loginInfo struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c *client) register(username, email, password, inviteCode string) error {
	body := map[string]string{
		"username": username, "email": email, "password": password, "invite_code": inviteCode,
	}

	return c.Post("/api/user/register").Json(body).Do(nil)
}

func (c *client) login(login loginInfo) error {
	var res map[string]string
	err := c.Post("/api/user/login").Json(login).Do(&res)
	if err != nil {
		return err
	}

	c.authToken = res["access_token"]
	c.userId = res["user_id"]
	c.username = res["username"]

	return nil
}

func (c *client) logout() error {
	return c.Post("/api/user/logout").Do(nil)
}

func (c *client) userInfo() (map[string]interface{}, error) {
	var res map[string]interface{}
	err := c.Get("/api/user/info").Do(&res)
	return res, err
}

func (c *client) upload(filename string, content []byte, fields map[string]string) (string, error) {
	body := new(bytes.Buffer)
	form := multipart.NewWriter(body)

	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(content); err != nil {
		return "", err
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return "", err
		}
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	var res map[string]string
	err = c.Post("/api/files/upload").
		Header("Content-Type", form.FormDataContentType()).
		Body(body).
		Do(&res)
	return res["filename"], err
}

type fileListing struct {
	AdminRows []fileRow `json:"admin_rows"`
	UserRows  []fileRow `json:"user_rows"`
}

type fileRow struct {
	Name         string   `json:"name"`
	SizeBytes    int64    `json:"size_bytes"`
	Uploader     string   `json:"uploader"`
	UploaderRole string   `json:"uploader_role"`
	Urgency      string   `json:"urgency"`
	Stage        string   `json:"stage"`
	Note         string   `json:"note"`
	NoteBy       string   `json:"note_by"`
	Reviewed     bool     `json:"reviewed"`
	ReviewedBy   []string `json:"reviewed_by"`
	CanDelete    bool     `json:"can_delete"`
}

func (c *client) listFiles() (fileListing, error) {
	var res fileListing
	err := c.Get("/api/files/").Do(&res)
	return res, err
}

func (c *client) download(filename string) ([]byte, error) {
	return c.Get(fmt.Sprintf("/api/files/%v/download", filename)).DoRaw()
}

func (c *client) setUrgency(filename, urgency string) error {
	return c.Post(fmt.Sprintf("/api/files/%v/urgency", filename)).Json(map[string]string{"urgency": urgency}).Do(nil)
}

func (c *client) setStage(filename, stage string) error {
	return c.Post(fmt.Sprintf("/api/files/%v/stage", filename)).Json(map[string]string{"stage": stage}).Do(nil)
}

func (c *client) setNote(filename, note string) (bool, error) {
	var res map[string]bool
	err := c.Post(fmt.Sprintf("/api/files/%v/note", filename)).Json(map[string]string{"note": note}).Do(&res)
	return res["truncated"], err
}

func (c *client) setReviewed(filename string, reviewed bool) error {
	return c.Post(fmt.Sprintf("/api/files/%v/reviewed", filename)).Json(map[string]bool{"reviewed": reviewed}).Do(nil)
}

func (c *client) deleteFile(filename string) error {
	return c.Delete(fmt.Sprintf("/api/files/%v", filename)).Do(nil)
}

func (c *client) approve(filename string) (string, error) {
	var res map[string]string
	err := c.Post(fmt.Sprintf("/api/files/%v/approve", filename)).Do(&res)
	return res["archived_as"], err
}

func (c *client) listUsers() ([]map[string]interface{}, error) {
	var res []map[string]interface{}
	err := c.Get("/api/admin/users").Do(&res)
	return res, err
}

func (c *client) createUser(username, email, password, role string) error {
	body := map[string]string{
		"username": username, "email": email, "password": password, "role": role,
	}
	return c.Post("/api/admin/users").Json(body).Do(nil)
}

func (c *client) setRole(userId, role string) error {
	return c.Post(fmt.Sprintf("/api/admin/users/%v/role", userId)).Json(map[string]string{"role": role}).Do(nil)
}

func (c *client) setActive(userId string, active bool) error {
	return c.Post(fmt.Sprintf("/api/admin/users/%v/active", userId)).Json(map[string]bool{"is_active": active}).Do(nil)
}

func (c *client) resetPassword(userId, password string) error {
	return c.Post(fmt.Sprintf("/api/admin/users/%v/password", userId)).Json(map[string]string{"password": password}).Do(nil)
}

func (c *client) deleteUser(userId string) error {
	return c.Delete(fmt.Sprintf("/api/admin/users/%v", userId)).Do(nil)
}

func (c *client) generateInvites(count, length int) ([]string, error) {
	var res struct {
		Codes []string `json:"codes"`
	}
	err := c.Post("/api/admin/invites/").Json(map[string]int{"count": count, "length": length}).Do(&res)
	return res.Codes, err
}

func (c *client) listInvites() ([]map[string]interface{}, error) {
	var res []map[string]interface{}
	err := c.Get("/api/admin/invites/").Do(&res)
	return res, err
}

func (c *client) revokeInvite(code string) error {
	return c.Delete(fmt.Sprintf("/api/admin/invites/%v", code)).Do(nil)
}
