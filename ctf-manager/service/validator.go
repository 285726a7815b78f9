package service

import (
	"fmt"
	"strings"

	"github.com/distribution/reference"

	"github.com/kavos113/quickctf/ctf-manager/domain"
)

// ImageValidator checks image references against the repository allow-list.
// An empty allow-list accepts every well-formed reference.
type ImageValidator struct {
	allowed map[string]struct{}
}

func NewImageValidator(repositories []string) (*ImageValidator, error) {
	allowed := make(map[string]struct{}, len(repositories))
	for _, repo := range repositories {
		name, err := repositoryName(repo)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed repository %q: %w", repo, err)
		}
		allowed[name] = struct{}{}
	}
	return &ImageValidator{allowed: allowed}, nil
}

func (v *ImageValidator) AllowAll() bool {
	return len(v.allowed) == 0
}

func (v *ImageValidator) Validate(ref string) error {
	name, err := repositoryName(ref)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", domain.ErrImageNotAllowed, ref, err)
	}
	if v.AllowAll() {
		return nil
	}
	if _, ok := v.allowed[name]; !ok {
		return fmt.Errorf("%w: repository %q", domain.ErrImageNotAllowed, name)
	}
	return nil
}

// repositoryName returns the familiar repository of ref with tag and digest removed,
// so "ctf-web-basic:v2" and "docker.io/library/ctf-web-basic" both yield "ctf-web-basic".
func repositoryName(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(ref))
	if err != nil {
		return "", err
	}
	return reference.FamiliarName(named), nil
}
