package sigv4

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestSignRequest_AWSReferenceVector reproduces the published AWS
// documentation example (spec.md §4.4): a GET to the IAM ListUsers action,
// signed at a fixed timestamp, must produce the documented signature.
func TestSignRequest_AWSReferenceVector(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet,
		"https://iam.amazonaws.com/?Action=ListUsers&Version=2010-05-08", nil)
	require.NoError(t, err)
	req.Host = "iam.amazonaws.com"
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	fixedTime := time.Date(2015, 8, 30, 12, 36, 0, 0, time.UTC)
	signer := &Signer{
		Region:  "us-east-1",
		Service: "iam",
		Now:     func() time.Time { return fixedTime },
	}
	creds := Credentials{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY",
	}

	emptyBodySHA := hexSHA256(nil)
	require.NoError(t, signer.SignRequest(req, emptyBodySHA, creds))

	auth := req.Header.Get("Authorization")
	require.Contains(t, auth, "Credential=AKIDEXAMPLE/20150830/us-east-1/iam/aws4_request")
	require.Contains(t, auth, "SignedHeaders=content-type;host;x-amz-content-sha256;x-amz-date")
	require.Contains(t, auth, "Signature=dd479fa8a80364edf2119ec24bebde66712ee9c9cb2b0d92eb3ab9ccdc0c3947")

	require.Equal(t, "20150830T123600Z", req.Header.Get("X-Amz-Date"))
	require.Equal(t, emptyBodySHA, req.Header.Get("X-Amz-Content-Sha256"))
}

func TestSignRequest_SessionTokenHeaderSet(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://bedrock-runtime.us-east-1.amazonaws.com/model/foo/invoke", nil)
	require.NoError(t, err)
	req.Host = "bedrock-runtime.us-east-1.amazonaws.com"

	signer := &Signer{Region: "us-east-1", Service: "bedrock", Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	creds := Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret", SessionToken: "tok123"}

	require.NoError(t, signer.SignRequest(req, hexSHA256(nil), creds))
	require.Equal(t, "tok123", req.Header.Get("X-Amz-Security-Token"))
	require.Contains(t, req.Header.Get("Authorization"), "x-amz-security-token")
}

func TestCanonicalizeQuery_SortsKeysAndValues(t *testing.T) {
	u, err := url.Parse("?b=2&a=3&a=1")
	require.NoError(t, err)
	got := canonicalizeQuery(u.Query())
	require.Equal(t, "a=1&a=3&b=2", got)
}

func TestCanonicalizeQuery_EncodesSlashInKeysAndValues(t *testing.T) {
	u, err := url.Parse("?prefix=a/b&a/b=1")
	require.NoError(t, err)
	got := canonicalizeQuery(u.Query())
	require.Equal(t, "a%2Fb=1&prefix=a%2Fb", got)
}

func TestCanonicalizeHeaders_CollapsesInternalWhitespaceRuns(t *testing.T) {
	h := http.Header{}
	h.Set("X-Amz-Test", "a    b\tc")
	canonical, signed := canonicalizeHeaders(h)
	require.Equal(t, "x-amz-test:a b c\n", canonical)
	require.Equal(t, "x-amz-test", signed)
}
