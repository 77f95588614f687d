package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/heysalad/laura-camera-client/apps/executor"
	"github.com/heysalad/laura-camera-client/connectors/inputs"
	"github.com/heysalad/laura-camera-client/drivers/camera"
	"github.com/heysalad/laura-camera-client/integrations/camera_sync"
	"github.com/heysalad/laura-camera-client/internal"
	"github.com/heysalad/laura-camera-client/pkg/model"
	"github.com/kardianos/service"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

var Version string
var EncryptionKey = ""
var systemLog service.Logger
var fullConfigPath string

type Integration interface {
	Start() error
	Stop()
}

var (
	activeMux   sync.Mutex
	activeIntgr Integration
)

type program struct{}

func (p *program) Start(s service.Service) error {
	// Start should not block. Do the actual work async.
	go p.run()
	return nil
}

func (p *program) run() {
	systemLog.Info("----Starting laura camera client service-------")
	systemLog.Infof("Loading configuration from file %s", fullConfigPath)
	if err := startClient(fullConfigPath); err != nil {
		systemLog.Errorf("Client can't be started : %s", err.Error())
	}
}

func (p *program) Stop(s service.Service) error {
	// Stop should not block. Return with a few seconds.
	systemLog.Info("----Stopping laura camera client service-------")
	stopClient()
	return nil
}

func configureService() service.Service {
	svcConfig := service.Config{
		Name:        "laura-camera-client",
		DisplayName: "Laura camera client",
		Description: "Keeps the camera connected to the HeySalad cloud",
		Arguments:   []string{"--config", fullConfigPath},
	}
	var prg program
	appService, err := service.New(&prg, &svcConfig)
	if err != nil {
		log.Fatal(err)
	}
	systemLog, err = appService.Logger(nil)
	if err != nil {
		fmt.Printf("Error initializing system logger %s", err.Error())
	}
	return appService
}

func configureLogger(logPath, level string) {
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{
		DisableColors:   true,
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})
	if logPath != "" && logPath != "-" {
		logPath = filepath.Join(logPath, "laura-camera-client.log")
		f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0666)
		if err != nil {
			fmt.Printf("error opening file: %v", err)
			return
		}
		log.SetOutput(f)
	}
}

func encryptConfig(configPath string) error {
	config, err := internal.LoadConfig(configPath)
	if err != nil {
		return err
	}
	secretManager := internal.NewSecretManager(EncryptionKey)
	secretManager.LoadSecrets(config.Secrets)
	config.Secrets, err = secretManager.GetEncryptedSecrets()
	if err != nil {
		return err
	}
	return internal.SaveConfig(configPath, config)
}

// deviceStatus builds the status report the heartbeat sends.
func deviceStatus(cam *inputs.IpCamera, firmware string) func(ctx context.Context) model.StatusReport {
	return func(ctx context.Context) model.StatusReport {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		state := model.StateOnline
		if !cam.Ping() {
			state = model.StateError
		}
		return model.StatusReport{
			BatteryPercent:  100,
			State:           state,
			FreeMemoryBytes: int64(mem.Sys - mem.HeapInuse),
			FirmwareVersion: firmware,
		}
	}
}

func startClient(mainConfigPath string) error {
	config, err := internal.LoadConfig(mainConfigPath)
	if err != nil {
		return err
	}
	logDir := internal.GetBinaryDir()
	if config.LogDir != "" {
		logDir = config.LogDir
	}
	configureLogger(logDir, config.LogLevel)
	log.Infof("Starting laura camera client, version = %s", Version)

	secretManager := internal.NewSecretManager(EncryptionKey)
	if EncryptionKey != "" {
		if err := secretManager.LoadEncryptedSecrets(config.Secrets); err != nil {
			log.Error(err.Error())
		}
	} else {
		secretManager.LoadSecrets(config.Secrets)
	}
	key := secretManager.GetSecret(config.Credentials.Key)
	if err := config.Validate(key); err != nil {
		log.Error(err.Error())
		return err
	}

	cam := inputs.NewIpCamera(config.Driver.Model, config.Driver.Address, config.Driver.Username, secretManager.GetSecret(config.Driver.Password))
	if cam == nil {
		return fmt.Errorf("unsupported camera model %q", config.Driver.Model)
	}
	status := deviceStatus(cam, config.Camera.FirmwareVersion)

	var client *camera_sync.Client
	exec := executor.New(nil, cam, status, executor.Config{
		Defaults:      camera.CaptureOptions{Quality: config.Photo.Quality, Width: config.Photo.Width, Height: config.Photo.Height},
		NotifyRetries: 3,
		RetryDelay:    config.CommandTimeout(),
	})
	client, err = camera_sync.NewFromConfig(config, key,
		camera_sync.WithStatusSource(status),
		camera_sync.WithHandler(exec.Handle),
	)
	if err != nil {
		return err
	}
	exec.SetUplink(client)
	exec.OnReboot = func() {
		log.Warn("Reboot requested, restarting client")
		go func() {
			stopClient()
			if err := startClient(mainConfigPath); err != nil {
				log.Errorf("Client restart failed : %s", err.Error())
			}
		}()
	}

	if err := client.Start(); err != nil {
		return err
	}
	activeMux.Lock()
	activeIntgr = client
	activeMux.Unlock()
	return nil
}

func stopClient() {
	activeMux.Lock()
	intgr := activeIntgr
	activeIntgr = nil
	activeMux.Unlock()
	if intgr != nil {
		intgr.Stop()
	}
}

func main() {
	mainConfigPath := flag.StringP("config", "c", "config.json", "Full path to main configuration file (json or yaml)")
	base64encodedConfig := flag.String("bconfig", "", "Base64 encoded config")
	op := flag.String("op", "", "Supported operations : 'gen_config,encrypt_config,encrypt_secret,install,uninstall,prepare_env,remove_env,update_binary,run,version'")
	textToEncrypt := flag.String("secret", "", "Secret to encrypt")
	flag.Parse()

	if *mainConfigPath == "config.json" {
		*mainConfigPath = filepath.Join(internal.GetBinaryDir(), *mainConfigPath)
	}
	fullConfigPath = *mainConfigPath

	// User can configure app by passing configurations as one base64 encoded string
	if *base64encodedConfig != "" {
		log.Info("Loading configuration from cmd line parameter")
		body, err := base64.StdEncoding.DecodeString(*base64encodedConfig)
		if err != nil {
			log.Errorf("Error decoding base64 encoded config: %s ", err.Error())
			return
		}
		if err := os.WriteFile(fullConfigPath, body, 0600); err != nil {
			log.Errorf("Error writing config: %s ", err.Error())
			return
		}
	}

	switch *op {
	case "gen_config":
		log.Info("Generating config file")
		config := internal.DefaultConfig()
		config.Camera.ShortID = "CAM001"
		config.Camera.Name = "Laura camera"
		config.Endpoints.APIBaseURL = "https://laura.heysalad.app"
		config.Endpoints.StorageBaseURL = "https://your-project.supabase.co/storage/v1/object"
		config.Endpoints.RealtimeURL = "wss://your-project.supabase.co/realtime/v1/websocket"
		config.Credentials.Key = "LAURA_KEY"
		config.Driver = internal.DriverConfig{Model: "url", Address: "http://127.0.0.1/snapshot.jpg"}
		if err := internal.SaveConfig(fullConfigPath, config); err != nil {
			log.Error("Failed to write config file. Err: ", err.Error())
		}
	case "version":
		fmt.Println(Version)
	case "encrypt_config":
		if EncryptionKey == "" {
			fmt.Println("Please provide encryption key")
			return
		}
		if err := encryptConfig(fullConfigPath); err != nil {
			fmt.Println("Failed to encrypt config file. Err:", err.Error())
			return
		}
		fmt.Println("Config file has been encrypted")
	case "encrypt_secret":
		if EncryptionKey == "" {
			fmt.Println("Please provide encryption key")
			return
		}
		if *textToEncrypt == "" {
			fmt.Println("Please provide text to encrypt")
			return
		}
		encrypted, err := internal.EncryptString(EncryptionKey, *textToEncrypt)
		if err != nil {
			fmt.Println("Failed to encrypt string. Err:", err.Error())
			return
		}
		fmt.Println("Encrypted string : ", encrypted)
	case "install":
		log.Info("Installing laura camera client service")
		appService := configureService()
		err := appService.Install()
		if err != nil {
			log.Error("Failed to install service. Make sure you run installation as system administrator Err: ", err.Error())
		} else if err = appService.Start(); err != nil {
			log.Error("Failed to run service. Err: ", err.Error())
		}
	case "prepare_env":
		if err := internal.PrepareLinuxServiceEnv(fullConfigPath); err != nil {
			log.Error("Failed to prepare service environment. Err: ", err.Error())
		}
	case "remove_env":
		internal.RemoveLinuxServiceEnv()
	case "update_binary":
		if err := internal.UpdateLinuxServiceBinary(); err != nil {
			log.Error("Failed to update service binary. Err: ", err.Error())
		}
	case "uninstall":
		log.Info("Uninstalling laura camera client service")
		appService := configureService()
		if err := appService.Uninstall(); err != nil {
			log.Error("Failed to uninstall service ", err.Error())
		}
	case "run":
		// Should be used to start service from CLI
		if err := startClient(fullConfigPath); err != nil {
			log.Error(err.Error())
			os.Exit(1)
		}
		select {}
	default:
		// Used by OS service supervisor
		appService := configureService()
		if err := appService.Run(); err != nil {
			log.Error(err)
		}
	}
}
