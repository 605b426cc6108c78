// Command tokengen mints a session token for local testing. With
// DIRECTORY_PATH set the user is looked up or created in the directory first,
// so the token carries the directory id the server will resolve.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Tyrowin/chatgate/internal/directory"
	"github.com/Tyrowin/chatgate/internal/identity"
)

type config struct {
	TokenSecret   string        `envconfig:"TOKEN_SECRET" required:"true"`
	TokenTTL      time.Duration `envconfig:"TOKEN_TTL" default:"24h"`
	DirectoryPath string        `envconfig:"DIRECTORY_PATH"`
}

func main() {
	provider := flag.String("provider", string(identity.ProviderGoogle), "identity provider (google, github, local)")
	providerID := flag.String("provider-id", "", "account id at the provider")
	name := flag.String("name", "", "display name")
	email := flag.String("email", "", "email address")
	avatar := flag.String("avatar", "", "avatar URL")
	username := flag.String("username", "", "provider login")
	flag.Parse()

	_ = godotenv.Load()
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Config error: %v", err)
	}

	id := identity.Identity{
		ID:          *providerID,
		DisplayName: *name,
		Email:       *email,
		AvatarURL:   *avatar,
		Provider:    identity.Provider(*provider),
		Username:    *username,
	}
	if !id.Provider.Valid() {
		log.Fatalf("unknown provider %q", *provider)
	}

	if cfg.DirectoryPath != "" {
		resolved, err := resolve(cfg.DirectoryPath, id)
		if err != nil {
			log.Fatalf("Directory error: %v", err)
		}
		id = resolved
	}
	if id.ID == "" {
		log.Fatal("a user id is required: pass -provider-id or set DIRECTORY_PATH")
	}

	token, err := identity.NewIssuer([]byte(cfg.TokenSecret), cfg.TokenTTL).Issue(id)
	if err != nil {
		log.Fatalf("Issue token: %v", err)
	}
	_, _ = fmt.Fprintln(os.Stdout, token)
}

func resolve(path string, id identity.Identity) (identity.Identity, error) {
	dir, err := directory.Open(path)
	if err != nil {
		return identity.Identity{}, err
	}
	defer dir.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	user, err := dir.FindOrCreate(ctx, id.Provider, id.ID, directory.Profile{
		Name:     id.DisplayName,
		Email:    id.Email,
		Avatar:   id.AvatarURL,
		Username: id.Username,
	})
	if err != nil {
		return identity.Identity{}, err
	}
	return user.Identity(), nil
}
