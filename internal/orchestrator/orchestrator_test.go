package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []domain.ChatRequest
	// reply decides the outcome for each request.
	reply func(req domain.ChatRequest) (string, error)
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Healthy(ctx context.Context) error { return nil }

func (f *fakeProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	content, err := f.reply(req)
	if err != nil {
		return nil, err
	}
	return &domain.ChatResponse{Content: content}, nil
}

func (f *fakeProvider) synthesis() *domain.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.requests {
		if len(f.requests[i].Messages) == 2 && f.requests[i].Messages[0].Role == "system" {
			return &f.requests[i]
		}
	}
	return nil
}

type fakeCredentials map[string]string

func (c fakeCredentials) GetCredential(_ context.Context, id string) (*domain.CredentialRecord, error) {
	key, ok := c[id]
	if !ok {
		return nil, domain.NewError(domain.ErrNotFound, "get credential", "no credential", nil)
	}
	return &domain.CredentialRecord{AccountID: id, APIKey: key}, nil
}

func isSynthesis(req domain.ChatRequest) bool {
	return len(req.Messages) == 2 && req.Messages[0].Role == "system"
}

// byModality answers analysis calls with "<kind> ok" based on the attachment
// kind and synthesis calls with a fixed reply.
func byModality(req domain.ChatRequest) (string, error) {
	if isSynthesis(req) {
		return "respuesta final", nil
	}
	msg := req.Messages[0]
	if len(msg.Attachments) == 0 {
		return "text ok", nil
	}
	return string(msg.Attachments[0].Kind) + " ok", nil
}

func TestProcess_TextAndImage(t *testing.T) {
	fp := &fakeProvider{reply: byModality}
	o := New(Config{Provider: fp, DefaultKey: "default"})

	b := domain.Bundle{
		Texts:  []string{"hola", "¿qué es esto?"},
		Images: []domain.MediaRef{{ID: "img-1", MimeType: "image/jpeg"}},
	}
	res := o.Process(context.Background(), "acc", b, "Usuario: antes\nAsistente: ok\n")

	require.True(t, res.Succeeded())
	assert.Equal(t, "respuesta final", res.Reply)
	assert.Len(t, res.Results, 2)
	assert.Equal(t, domain.ModalityResult{Processed: true, Content: "text ok"}, res.Results[domain.ModalityText])
	assert.Equal(t, domain.ModalityResult{Processed: true, Content: "image ok"}, res.Results[domain.ModalityImage])

	syn := fp.synthesis()
	require.NotNil(t, syn)
	prompt := syn.Messages[1].Content
	assert.True(t, strings.HasPrefix(prompt, "Usuario: antes"))
	assert.Contains(t, prompt, "hola\n¿qué es esto?")
	assert.Contains(t, prompt, "text: text ok")
	assert.Contains(t, prompt, "image: image ok")
	assert.Equal(t, "default", syn.APIKey)
	assert.Len(t, fp.requests, 3)
}

func TestProcess_ModalityFailureIsIsolated(t *testing.T) {
	fp := &fakeProvider{reply: func(req domain.ChatRequest) (string, error) {
		if !isSynthesis(req) && len(req.Messages[0].Attachments) > 0 &&
			req.Messages[0].Attachments[0].Kind == domain.ModalityAudio {
			return "", domain.NewError(domain.ErrExternal, "chat", "audio unsupported", nil)
		}
		return byModality(req)
	}}
	o := New(Config{Provider: fp})

	b := domain.Bundle{
		Texts:  []string{"escucha"},
		Audios: []domain.MediaRef{{ID: "a1"}},
	}
	res := o.Process(context.Background(), "acc", b, "")

	require.True(t, res.Succeeded())
	assert.False(t, res.Results[domain.ModalityAudio].Processed)
	assert.Equal(t, "audio unsupported", res.Results[domain.ModalityAudio].Error)
	assert.True(t, res.Results[domain.ModalityText].Processed)

	prompt := fp.synthesis().Messages[1].Content
	assert.NotContains(t, prompt, "audio:")
	assert.Contains(t, prompt, "text: text ok")
}

func TestProcess_SynthesisFailure(t *testing.T) {
	fp := &fakeProvider{reply: func(req domain.ChatRequest) (string, error) {
		if isSynthesis(req) {
			return "", errors.New("boom")
		}
		return byModality(req)
	}}
	o := New(Config{Provider: fp})

	res := o.Process(context.Background(), "acc", domain.Bundle{Texts: []string{"hola"}}, "")
	assert.Equal(t, StatusError, res.Status)
	assert.Empty(t, res.Reply)
	assert.Equal(t, "boom", res.Error)
	assert.True(t, res.Results[domain.ModalityText].Processed)
}

func TestProcess_AccountKeyPreferred(t *testing.T) {
	fp := &fakeProvider{reply: byModality}
	o := New(Config{
		Provider:    fp,
		Credentials: fakeCredentials{"acc-1": "acc-key"},
		DefaultKey:  "default",
	})

	o.Process(context.Background(), "acc-1", domain.Bundle{Texts: []string{"x"}}, "")
	for _, req := range fp.requests {
		assert.Equal(t, "acc-key", req.APIKey)
	}

	fp.requests = nil
	o.Process(context.Background(), "acc-2", domain.Bundle{Texts: []string{"x"}}, "")
	for _, req := range fp.requests {
		assert.Equal(t, "default", req.APIKey)
	}
}

func TestProcess_MediaTaskCarriesAllRefs(t *testing.T) {
	fp := &fakeProvider{reply: byModality}
	o := New(Config{Provider: fp})

	b := domain.Bundle{Documents: []domain.MediaRef{{ID: "d1"}, {ID: "d2"}}}
	res := o.Process(context.Background(), "acc", b, "")
	require.True(t, res.Succeeded())

	var docReq *domain.ChatRequest
	for i := range fp.requests {
		if !isSynthesis(fp.requests[i]) {
			docReq = &fp.requests[i]
		}
	}
	require.NotNil(t, docReq)
	require.Len(t, docReq.Messages[0].Attachments, 2)
	assert.Equal(t, "d2", docReq.Messages[0].Attachments[1].Ref.ID)
}

func TestSynthesisPrompt(t *testing.T) {
	results := map[domain.Modality]domain.ModalityResult{
		domain.ModalityText:  {Processed: true, Content: "saludo"},
		domain.ModalityVideo: {Processed: false, Error: "x"},
		domain.ModalityImage: {Processed: true, Content: "un gato"},
	}
	order := []domain.Modality{domain.ModalityText, domain.ModalityImage, domain.ModalityVideo}

	got := SynthesisPrompt("PREFIX", []string{"hola"}, order, results)
	assert.Equal(t, "PREFIX\nhola\ntext: saludo\nimage: un gato", got)

	assert.Equal(t, "", SynthesisPrompt("", nil, nil, nil))
}

func TestProcess_SynthesisWaitsForEveryTask(t *testing.T) {
	imageStarted := make(chan struct{})
	releaseImage := make(chan struct{})
	textDone := make(chan struct{})
	audioDone := make(chan struct{})

	fp := &fakeProvider{reply: func(req domain.ChatRequest) (string, error) {
		if isSynthesis(req) {
			return "respuesta final", nil
		}
		atts := req.Messages[0].Attachments
		if len(atts) == 0 {
			defer close(textDone)
			select {
			case <-imageStarted:
				return "text ok", nil
			case <-time.After(2 * time.Second):
				return "", errors.New("image task never started")
			}
		}
		switch atts[0].Kind {
		case domain.ModalityImage:
			close(imageStarted)
			<-releaseImage
			return "image ok", nil
		case domain.ModalityAudio:
			defer close(audioDone)
			return "", domain.NewError(domain.ErrExternal, "chat", "audio unsupported", nil)
		}
		return "", errors.New("unexpected modality")
	}}
	o := New(Config{Provider: fp, DefaultKey: "default"})

	b := domain.Bundle{
		Texts:  []string{"mira"},
		Images: []domain.MediaRef{{ID: "img-1"}},
		Audios: []domain.MediaRef{{ID: "a1"}},
	}
	done := make(chan Result, 1)
	go func() { done <- o.Process(context.Background(), "acc", b, "") }()

	for _, ch := range []chan struct{}{textDone, audioDone} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("sibling task did not finish while the image task was blocked")
		}
	}
	assert.Nil(t, fp.synthesis(), "synthesis started before the image task settled")

	close(releaseImage)
	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return")
	}

	require.True(t, res.Succeeded())
	assert.Equal(t, "text ok", res.Results[domain.ModalityText].Content)
	assert.True(t, res.Results[domain.ModalityImage].Processed)
	assert.False(t, res.Results[domain.ModalityAudio].Processed)

	fp.mu.Lock()
	defer fp.mu.Unlock()
	require.Len(t, fp.requests, 4)
	assert.True(t, isSynthesis(fp.requests[3]), "synthesis must be the last request")
	for _, req := range fp.requests[:3] {
		assert.False(t, isSynthesis(req))
	}
}
