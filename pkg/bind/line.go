package bind

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// envelope is the webnis server response shape.
type envelope struct {
	Result map[string]json.RawMessage `json:"result"`
	Error  *envelopeError             `json:"error"`
}

type envelopeError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TransformBody turns an upstream JSON response body into a protocol line
// for the given command. The payload is the Unix-flavored colon-separated
// serialization of the result object, reconstructed in the canonical field
// order of the map format.
func TransformBody(cmd Cmd, body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "400 " + err.Error()
	}
	if env.Error != nil {
		return fmt.Sprintf("%d %s", env.Error.Code, env.Error.Message)
	}
	if env.Result == nil {
		return "400 no result in response"
	}

	switch cmd {
	case CmdGetPwNam, CmdGetPwUid:
		return passwdLine(env.Result)
	case CmdGetGrNam, CmdGetGrGid:
		return groupLine(env.Result)
	case CmdGetGidList:
		return gidlistLine(env.Result)
	case CmdAuth:
		return "200 OK"
	default:
		return "500 unexpected response"
	}
}

// passwdLine serializes name:passwd:uid:gid:gecos:dir:shell.
func passwdLine(obj map[string]json.RawMessage) string {
	fields := make([]string, 0, 7)
	for _, name := range [...]string{"name", "passwd", "uid", "gid", "gecos", "dir", "shell"} {
		s, err := scalarField(obj, name)
		if err != nil {
			return "500 " + err.Error()
		}
		fields = append(fields, s)
	}
	return "200 " + strings.Join(fields, ":")
}

// groupLine serializes name:passwd:gid:m1,m2,...
func groupLine(obj map[string]json.RawMessage) string {
	fields := make([]string, 0, 4)
	for _, name := range [...]string{"name", "passwd", "gid"} {
		s, err := scalarField(obj, name)
		if err != nil {
			return "500 " + err.Error()
		}
		fields = append(fields, s)
	}
	mem, err := listField(obj, "mem")
	if err != nil {
		return "500 " + err.Error()
	}
	fields = append(fields, strings.Join(mem, ","))
	return "200 " + strings.Join(fields, ":")
}

// gidlistLine serializes name:gid1,gid2,...
func gidlistLine(obj map[string]json.RawMessage) string {
	name, err := scalarField(obj, "name")
	if err != nil {
		return "500 " + err.Error()
	}
	gids, err := listField(obj, "gidlist")
	if err != nil {
		return "500 " + err.Error()
	}
	return "200 " + name + ":" + strings.Join(gids, ",")
}

// scalarField renders a string or number field; numbers keep their JSON
// text (no exponents, no quoting).
func scalarField(obj map[string]json.RawMessage, name string) (string, error) {
	raw, ok := obj[name]
	if !ok {
		return "", fmt.Errorf("missing field %s", name)
	}
	return scalarValue(raw, name)
}

func scalarValue(raw json.RawMessage, name string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.ContainsAny(s, ":\n") {
			return "", fmt.Errorf("field %s not serializable", name)
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("field %s not a scalar", name)
}

// listField renders an array of strings or numbers.
func listField(obj map[string]json.RawMessage, name string) ([]string, error) {
	raw, ok := obj[name]
	if !ok {
		return nil, fmt.Errorf("missing field %s", name)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("field %s not an array", name)
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, err := scalarValue(item, name+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		if strings.Contains(s, ",") {
			return nil, fmt.Errorf("field %s not serializable", name)
		}
		out = append(out, s)
	}
	return out, nil
}
