package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"loom_back/authorization"
	"loom_back/cache"
	"loom_back/knowledge"
	"loom_back/llm"
	"loom_back/storage"
	"loom_back/tts"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsMiddleware() gin.HandlerFunc {
	config := cors.DefaultConfig()
	config.AllowHeaders = append(config.AllowHeaders, "Authorization", "X-Stream")
	config.ExposeHeaders = []string{"Content-Length"}
	config.MaxAge = 12 * time.Hour

	origins := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS"))
	if origins == "" || origins == "*" {
		config.AllowAllOrigins = true
		return cors.New(config)
	}
	for _, origin := range strings.Split(origins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			config.AllowOrigins = append(config.AllowOrigins, trimmed)
		}
	}
	config.AllowCredentials = true
	return cors.New(config)
}

func main() {
	mustLoadEnv()
	defer cache.Close()

	db, err := storage.OpenDatabaseFromEnv()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	store, err := storage.NewStore(db)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}

	client, err := llm.NewClientFromEnv()
	if err != nil {
		log.Fatalf("init generation client: %v", err)
	}
	keys := llm.NewKeyRing(nil)

	embedder := knowledge.NewEmbeddingClientFromEnv(client, keys)
	retriever := knowledge.NewRetriever(embedder)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	chat, err := llm.NewModule(ctx, store, client, keys, retriever)
	cancel()
	if err != nil {
		log.Fatalf("init chat module: %v", err)
	}

	var objects knowledge.ObjectStore
	objectStorage, err := storage.NewObjectStorageFromEnv()
	if err != nil {
		log.Printf("main: object storage unavailable: %v", err)
	} else if objectStorage != nil {
		objects = objectStorage
	}
	library := knowledge.NewHandler(chat, knowledge.NewVectorizerFromEnv(embedder), retriever, keys, objects)

	speech := tts.NewModule(tts.NewClientFromEnv(keys), tts.NewAudioCache(cache.Client(), 0))

	auth, err := authorization.NewModuleFromEnv()
	if err != nil {
		log.Fatalf("init authorization: %v", err)
	}

	r := gin.Default()
	r.Use(corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "redis": cache.Enabled()})
	})
	auth.RegisterRoutes(r)

	api := r.Group("")
	api.Use(auth.Guard().RequireAuthenticated())
	chat.RegisterRoutes(api)
	library.RegisterRoutes(api)
	speech.RegisterRoutes(api)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
